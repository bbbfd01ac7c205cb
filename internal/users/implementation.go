// internal/users/implementation.go
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bookloans/internal/access"
	"bookloans/internal/common"
)

const minPasswordLen = 8

// service implements the Service interface.
type service struct {
	repo     Repository
	tokens   TokenIssuer
	logger   *slog.Logger
	tracer   trace.Tracer
	attempts *attempts
}

// NewService creates a new users service instance. Attempts are limited to
// perMinute with the given burst, per email for logins and per client address
// for registrations.
func NewService(repo Repository, tokens TokenIssuer, perMinute, burst int, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if perMinute <= 0 {
		perMinute = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &service{
		repo:     repo,
		tokens:   tokens,
		logger:   logger,
		tracer:   otel.Tracer("bookloans/users"),
		attempts: newAttempts(perMinute, burst),
	}
}

// Register creates a new Member.
func (s *service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.create(ctx, req, access.RoleMember)
}

// CreateAdmin creates a new Admin. It is reachable from the CLI only.
func (s *service) CreateAdmin(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.create(ctx, req, access.RoleAdmin)
}

func (s *service) create(ctx context.Context, req RegisterRequest, role access.Role) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "users.register",
		trace.WithAttributes(attribute.String("user.role", string(role))),
	)
	defer span.End()

	req.FullName = strings.TrimSpace(req.FullName)
	req.Phone = strings.TrimSpace(req.Phone)
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if req.FullName == "" {
		return nil, common.Validation("full_name", "FullName is required.")
	}
	if len(req.Password) < minPasswordLen {
		return nil, common.Validation("password", fmt.Sprintf("Password must be at least %d characters.", minPasswordLen))
	}
	if req.ClientAddr != "" && !s.attempts.allow("register:"+req.ClientAddr) {
		s.logger.WarnContext(ctx, "registration rate limited", "client_addr", req.ClientAddr)
		return nil, common.RateLimited("Too many attempts. Try again later.")
	}

	hash, salt, err := hashPassword(req.Password)
	if err != nil {
		return nil, s.fail(ctx, span, "register", fmt.Errorf("failed to hash password: %w", err))
	}

	user, err := s.repo.CreateUser(ctx, User{
		FullName: req.FullName,
		Email:    email,
		Phone:    req.Phone,
		Role:     role,
	}, Credential{PasswordHash: hash, Salt: salt})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.Conflict("Email is already registered.")
		}
		return nil, s.fail(ctx, span, "register", err)
	}

	span.SetAttributes(attribute.Int64("user.id", user.ID))
	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID, "role", user.Role)
	return &user, nil
}

// Login verifies credentials and issues a bearer token. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *service) Login(ctx context.Context, email, password string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "users.login")
	defer span.End()

	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if !s.attempts.allow("login:" + email) {
		s.logger.WarnContext(ctx, "login rate limited", "email_tag", emailTag(email))
		return nil, common.RateLimited("Too many login attempts. Try again later.")
	}

	invalid := common.Unauthenticated("Invalid email or password.")

	user, cred, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrUserNotFound) {
			return nil, invalid
		}
		return nil, s.fail(ctx, span, "login", err)
	}

	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return nil, s.fail(ctx, span, "login", fmt.Errorf("authentication failed: %w", err))
	}
	if !ok {
		s.logger.InfoContext(ctx, "login rejected", "user_id", user.ID)
		return nil, invalid
	}

	token, expires, err := s.tokens.Issue(user.Email, user.Identity())
	if err != nil {
		return nil, s.fail(ctx, span, "login", err)
	}

	span.SetAttributes(attribute.Int64("user.id", user.ID))
	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID)
	return &Session{Token: token, ExpiresAt: expires, User: user}, nil
}

// GetUser retrieves a user by their ID.
func (s *service) GetUser(ctx context.Context, id int64) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "users.get_user",
		trace.WithAttributes(attribute.Int64("user.id", id)),
	)
	defer span.End()

	if id <= 0 {
		return nil, common.Validation("userId", "Invalid UserId")
	}
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, span, "get user", err)
	}
	return &user, nil
}

// ListUsers returns every user ordered by id.
func (s *service) ListUsers(ctx context.Context) ([]User, error) {
	ctx, span := s.tracer.Start(ctx, "users.list_users")
	defer span.End()

	list, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, s.fail(ctx, span, "list users", err)
	}
	if list == nil {
		list = []User{}
	}
	span.SetAttributes(attribute.Int("users.count", len(list)))
	return list, nil
}

// UpdateProfile applies the fields set in upd to the user's profile.
func (s *service) UpdateProfile(ctx context.Context, id int64, upd ProfileUpdate) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "users.update_profile",
		trace.WithAttributes(attribute.Int64("user.id", id)),
	)
	defer span.End()

	if id <= 0 {
		return nil, common.Validation("userId", "Invalid UserId")
	}
	if upd.FullName == nil && upd.Email == nil && upd.Phone == nil {
		return nil, common.Validation("body", "At least one field must be provided.")
	}

	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, span, "update profile", err)
	}
	if upd.FullName != nil {
		user.FullName = strings.TrimSpace(*upd.FullName)
		if user.FullName == "" {
			return nil, common.Validation("full_name", "FullName is required.")
		}
	}
	if upd.Email != nil {
		if user.Email, err = normalizeEmail(*upd.Email); err != nil {
			return nil, err
		}
	}
	if upd.Phone != nil {
		user.Phone = strings.TrimSpace(*upd.Phone)
	}

	updated, err := s.repo.UpdateUser(ctx, user)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.Conflict("Email is already registered.")
		}
		return nil, s.fail(ctx, span, "update profile", err)
	}

	s.logger.InfoContext(ctx, "profile updated", "user_id", id)
	return &updated, nil
}

// ChangePassword replaces the password after verifying the current one. Every
// attempt counts against a per-user budget.
func (s *service) ChangePassword(ctx context.Context, id int64, change PasswordChange) error {
	ctx, span := s.tracer.Start(ctx, "users.change_password",
		trace.WithAttributes(attribute.Int64("user.id", id)),
	)
	defer span.End()

	switch {
	case id <= 0:
		return common.Validation("userId", "Invalid UserId")
	case change.OldPassword == "" || change.NewPassword == "":
		return common.Validation("body", "Old password and new password must be provided.")
	case len(change.NewPassword) < minPasswordLen:
		return common.Validation("new_password", fmt.Sprintf("Password must be at least %d characters.", minPasswordLen))
	}
	if !s.attempts.allow("password:" + strconv.FormatInt(id, 10)) {
		s.logger.WarnContext(ctx, "password change rate limited", "user_id", id)
		return common.RateLimited("Too many attempts. Try again later.")
	}

	cred, err := s.repo.GetCredential(ctx, id)
	if err != nil {
		return s.fail(ctx, span, "change password", err)
	}
	ok, err := verifyPassword(change.OldPassword, cred.Salt, cred.PasswordHash)
	if err != nil {
		return s.fail(ctx, span, "change password", fmt.Errorf("authentication failed: %w", err))
	}
	if !ok {
		s.logger.InfoContext(ctx, "password change rejected", "user_id", id)
		return common.Unauthenticated("Old password is incorrect.")
	}

	hash, salt, err := hashPassword(change.NewPassword)
	if err != nil {
		return s.fail(ctx, span, "change password", fmt.Errorf("failed to hash password: %w", err))
	}
	if err := s.repo.SetCredential(ctx, Credential{UserID: id, PasswordHash: hash, Salt: salt}); err != nil {
		return s.fail(ctx, span, "change password", err)
	}

	s.logger.InfoContext(ctx, "password changed", "user_id", id)
	return nil
}

// DeleteUser removes a user who has no borrow records.
func (s *service) DeleteUser(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "users.delete_user",
		trace.WithAttributes(attribute.Int64("user.id", id)),
	)
	defer span.End()

	if id <= 0 {
		return common.Validation("userId", "Invalid UserId")
	}
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		return s.fail(ctx, span, "delete user", err)
	}

	s.logger.InfoContext(ctx, "user deleted", "user_id", id)
	return nil
}

func (s *service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	if de, ok := common.AsDomain(err); ok && de.Kind != common.KindPersistence {
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	s.logger.ErrorContext(ctx, "users operation failed", "op", op, "error", err)
	return common.Persistence(op, err)
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", common.Validation("email", "A valid email is required.")
	}
	return email, nil
}
