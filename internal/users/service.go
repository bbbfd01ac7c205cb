// internal/users/service.go
package users

import (
	"context"
	"time"

	"bookloans/internal/access"
)

// Service defines registration, login and management of users.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*User, error)
	CreateAdmin(ctx context.Context, req RegisterRequest) (*User, error)
	Login(ctx context.Context, email, password string) (*Session, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateProfile(ctx context.Context, id int64, upd ProfileUpdate) (*User, error)
	ChangePassword(ctx context.Context, id int64, change PasswordChange) error
	DeleteUser(ctx context.Context, id int64) error
}

// Repository stores users and their credentials.
type Repository interface {
	// CreateUser returns common.ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user User, cred Credential) (User, error)
	// GetUserByEmail returns common.ErrUserNotFound when absent.
	GetUserByEmail(ctx context.Context, email string) (User, Credential, error)
	GetUser(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// UpdateUser replaces name, email and phone. It returns common.ErrConflict
	// when the email belongs to another user.
	UpdateUser(ctx context.Context, user User) (User, error)
	GetCredential(ctx context.Context, userID int64) (Credential, error)
	SetCredential(ctx context.Context, cred Credential) error
	// DeleteUser removes the user and their credential. It returns
	// ErrActiveLoans or ErrLoanHistory while borrow records reference the user.
	DeleteUser(ctx context.Context, id int64) error
}

// TokenIssuer signs a bearer token for an identity.
type TokenIssuer interface {
	Issue(subject string, id access.Identity) (string, time.Time, error)
}
