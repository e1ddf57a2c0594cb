// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/auth"
)

const accountColumns = `
	id, email, password_hash, session_token_hash, last_activity_at,
	last_login_at, last_login_ip, last_login_agent, failed_attempts,
	locked_until, password_changed_at, password_expires_at, email_verified,
	sealed_profile, created_at, updated_at, version
`

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool poolIface
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Create stores a new account. A unique violation on the email index is
// reported as auth.ErrEmailTaken.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		account.ID.String(),
		account.Email,
		account.PasswordHash,
		account.SessionTokenHash,
		account.LastActivityAt,
		account.LastLoginAt,
		account.LastLoginIP,
		account.LastLoginAgent,
		account.FailedAttempts,
		account.LockedUntil,
		account.PasswordChangedAt,
		account.PasswordExpiresAt,
		account.EmailVerified,
		account.SealedProfile,
		account.CreatedAt,
		account.UpdatedAt,
		account.Version,
	)
	if isUniqueViolation(err) {
		return oops.Code("ACCOUNT_EMAIL_TAKEN").
			With("account_id", account.ID.String()).
			Wrap(auth.ErrEmailTaken)
	}
	if err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// GetByEmail retrieves an account by email (case-insensitive).
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)`, email)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").
			With("email", auth.RedactEmail(email)).
			Wrap(err)
	}
	return account, nil
}

// Update writes the mutable columns when the stored version still equals
// account.Version and bumps it. A mismatch is auth.ErrConflict; a missing
// row is auth.ErrNotFound.
func (r *AccountRepository) Update(ctx context.Context, account *auth.Account) error {
	var version int64
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE accounts SET
			email = $3,
			password_hash = $4,
			session_token_hash = $5,
			last_activity_at = $6,
			last_login_at = $7,
			last_login_ip = $8,
			last_login_agent = $9,
			failed_attempts = $10,
			locked_until = $11,
			password_changed_at = $12,
			password_expires_at = $13,
			email_verified = $14,
			sealed_profile = $15,
			updated_at = $16,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		account.ID.String(),
		account.Version,
		account.Email,
		account.PasswordHash,
		account.SessionTokenHash,
		account.LastActivityAt,
		account.LastLoginAt,
		account.LastLoginIP,
		account.LastLoginAgent,
		account.FailedAttempts,
		account.LockedUntil,
		account.PasswordChangedAt,
		account.PasswordExpiresAt,
		account.EmailVerified,
		account.SealedProfile,
		account.UpdatedAt,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missedUpdate(ctx, account)
	}
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	account.Version = version
	return nil
}

// missedUpdate tells a lost race apart from a deleted row.
func (r *AccountRepository) missedUpdate(ctx context.Context, account *auth.Account) error {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`,
		account.ID.String()).Scan(&exists)
	switch {
	case err != nil:
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("account_id", account.ID.String()).
			Wrap(err)
	case !exists:
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", account.ID.String()).
			Wrap(auth.ErrNotFound)
	}
	return oops.Code("ACCOUNT_VERSION_MISMATCH").
		With("account_id", account.ID.String()).
		With("version", account.Version).
		Wrap(auth.ErrConflict)
}

// scanAccount scans a single row. pgx.ErrNoRows is returned unwrapped.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr string
		a     auth.Account
	)
	err := row.Scan(
		&idStr,
		&a.Email,
		&a.PasswordHash,
		&a.SessionTokenHash,
		&a.LastActivityAt,
		&a.LastLoginAt,
		&a.LastLoginIP,
		&a.LastLoginAgent,
		&a.FailedAttempts,
		&a.LockedUntil,
		&a.PasswordChangedAt,
		&a.PasswordExpiresAt,
		&a.EmailVerified,
		&a.SealedProfile,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Version,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	if a.ID, err = parseID(idStr, "ACCOUNT_INVALID_ID"); err != nil {
		return nil, err
	}
	utc(a.LastActivityAt, a.LastLoginAt, a.LockedUntil, a.PasswordChangedAt, a.PasswordExpiresAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// utc normalises scanned timestamps so equality checks against values
// produced by the service clock hold.
func utc(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

var _ auth.AccountRepository = (*AccountRepository)(nil)
