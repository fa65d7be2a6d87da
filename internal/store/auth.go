// ABOUTME: Store methods for controller users: lookup and super-admin seeding.
// ABOUTME: Global-table operations used by the session login and agent token endpoints.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// User is one users row.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash *string
	SuperAdmin   bool
	TokenVersion int32
}

const userColumns = `id, email, password_hash, super_admin, token_version`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.SuperAdmin, &u.TokenVersion); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail returns the user with the given email, or (nil, nil) if not found.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetUserByID returns the user with the given ID, or (nil, nil) if not found.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id %s: %w", id, err)
	}
	return u, nil
}

// UpsertSuperAdmin creates a super-admin user or promotes an existing one and
// replaces its password hash. Bumps token_version so old sessions stop working.
func (s *Store) UpsertSuperAdmin(ctx context.Context, email, passwordHash string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, super_admin)
		VALUES ($1, $2, true)
		ON CONFLICT (email) DO UPDATE SET
		    password_hash = EXCLUDED.password_hash,
		    super_admin   = true,
		    token_version = users.token_version + 1
		RETURNING `+userColumns, email, passwordHash))
	if err != nil {
		return nil, fmt.Errorf("upsert super admin: %w", err)
	}
	return u, nil
}
