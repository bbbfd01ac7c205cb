package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"bookloans/internal/common"
	"bookloans/internal/dbx"
	"bookloans/internal/users"
)

// CreateUser stores the user and their credential together.
func (s *Store) CreateUser(ctx context.Context, user users.User, cred users.Credential) (users.User, error) {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO users (full_name, email, phone, role)
			VALUES ($1, $2, $3, $4)
			RETURNING user_id, created_at
		`, user.FullName, user.Email, user.Phone, string(user.Role)).Scan(&user.ID, &user.CreatedAt)
		if err != nil {
			return mapError("insert user", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credentials (user_id, password_hash, salt)
			VALUES ($1, $2, $3)
		`, user.ID, cred.PasswordHash, cred.Salt)
		return mapError("insert credential", err)
	})
	if err != nil {
		return users.User{}, err
	}
	return user, nil
}

type userWithCredential struct {
	users.User
	PasswordHash string `db:"password_hash"`
	Salt         string `db:"salt"`
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (users.User, users.Credential, error) {
	var row userWithCredential
	err := s.db.GetContext(ctx, &row, `
		SELECT u.user_id, u.full_name, u.email, u.phone, u.role, u.created_at,
		       c.password_hash, c.salt
		FROM users u
		JOIN credentials c ON c.user_id = u.user_id
		WHERE u.email = $1
	`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return users.User{}, users.Credential{}, common.UserNotFound(0)
	}
	if err != nil {
		return users.User{}, users.Credential{}, mapError("get user by email", err)
	}
	return row.User, users.Credential{UserID: row.ID, PasswordHash: row.PasswordHash, Salt: row.Salt}, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (users.User, error) {
	var u users.User
	err := s.db.GetContext(ctx, &u, selectUsers+` WHERE user_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return u, common.UserNotFound(id)
	}
	return u, mapError("get user", err)
}

const selectUsers = `
	SELECT user_id, full_name, email, phone, role, created_at
	FROM users
`

func (s *Store) ListUsers(ctx context.Context) ([]users.User, error) {
	list := []users.User{}
	if err := s.db.SelectContext(ctx, &list, selectUsers+` ORDER BY user_id`); err != nil {
		return nil, mapError("list users", err)
	}
	return list, nil
}

func (s *Store) UpdateUser(ctx context.Context, user users.User) (users.User, error) {
	var out users.User
	err := s.db.GetContext(ctx, &out, `
		UPDATE users
		SET full_name = $2, email = $3, phone = $4
		WHERE user_id = $1
		RETURNING user_id, full_name, email, phone, role, created_at
	`, user.ID, user.FullName, user.Email, user.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return out, common.UserNotFound(user.ID)
	}
	return out, mapError("update user", err)
}

func (s *Store) GetCredential(ctx context.Context, userID int64) (users.Credential, error) {
	var c users.Credential
	err := s.db.GetContext(ctx, &c, `
		SELECT user_id, password_hash, salt FROM credentials WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, common.UserNotFound(userID)
	}
	return c, mapError("get credential", err)
}

func (s *Store) SetCredential(ctx context.Context, cred users.Credential) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET password_hash = $2, salt = $3 WHERE user_id = $1
	`, cred.UserID, cred.PasswordHash, cred.Salt)
	if err != nil {
		return mapError("set credential", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.UserNotFound(cred.UserID)
	}
	return nil
}

// DeleteUser locks the user row, which conflicts with the key-share lock a
// concurrent borrow insert takes through its foreign key.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var locked int64
		err := tx.QueryRowxContext(ctx, `SELECT user_id FROM users WHERE user_id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return common.UserNotFound(id)
		}
		if err != nil {
			return mapError("lock user", err)
		}
		if err := loansBlockDelete(ctx, tx, "user_id", id, users.ErrActiveLoans, users.ErrLoanHistory); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, id)
		return mapError("delete user", err)
	})
}
