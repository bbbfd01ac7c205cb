// internal/users/domain.go
package users

import (
	"time"

	"bookloans/internal/access"
	"bookloans/internal/common"
)

// Returned by Repository.DeleteUser while loans still reference the user.
var (
	ErrActiveLoans = common.Conflict("User has active loans.")
	ErrLoanHistory = common.Conflict("User has loan history and cannot be deleted.")
)

// User represents a registered borrower or administrator.
type User struct {
	ID        int64       `json:"user_id" db:"user_id"`
	FullName  string      `json:"full_name" db:"full_name"`
	Email     string      `json:"email" db:"email"`
	Phone     string      `json:"phone,omitempty" db:"phone"`
	Role      access.Role `json:"role" db:"role"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

func (u User) Identity() access.Identity {
	return access.Identity{UserID: u.ID, Role: u.Role}
}

// Credential represents a user's login credentials.
type Credential struct {
	UserID       int64  `json:"-" db:"user_id"`
	PasswordHash string `json:"-" db:"password_hash"`
	Salt         string `json:"-" db:"salt"`
}

// RegisterRequest is the body of a registration. ClientAddr is set by the
// HTTP layer and keys the registration throttle; it is empty for the CLI.
type RegisterRequest struct {
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
	ClientAddr string `json:"-"`
}

// ProfileUpdate changes only the fields that are set.
type ProfileUpdate struct {
	FullName *string `json:"full_name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
}

type PasswordChange struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// Session is returned by a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}
