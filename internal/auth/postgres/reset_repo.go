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

// ResetTokenRepository implements auth.ResetTokenRepository using PostgreSQL.
type ResetTokenRepository struct {
	pool poolIface
}

// NewResetTokenRepository creates a new ResetTokenRepository.
func NewResetTokenRepository(pool poolIface) *ResetTokenRepository {
	return &ResetTokenRepository{pool: pool}
}

// Create stores a new reset token and appends an issuance ledger row in
// one transaction.
func (r *ResetTokenRepository) Create(ctx context.Context, token *auth.ResetToken) error {
	return inTx(ctx, r.pool, "RESET_CREATE_FAILED", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reset_tokens (id, account_id, token_hash, ip_address, created_at, expires_at, used)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			token.ID.String(),
			token.AccountID.String(),
			token.TokenHash,
			token.IPAddress,
			token.CreatedAt,
			token.ExpiresAt,
			token.Used,
		); err != nil {
			return oops.Code("RESET_CREATE_FAILED").
				With("operation", "insert token").
				With("account_id", token.AccountID.String()).
				Wrap(err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reset_issuances (id, account_id, created_at)
			VALUES ($1, $2, $3)
		`, ulid.Make().String(), token.AccountID.String(), token.CreatedAt); err != nil {
			return oops.Code("RESET_CREATE_FAILED").
				With("operation", "append ledger").
				With("account_id", token.AccountID.String()).
				Wrap(err)
		}
		return nil
	})
}

// GetByTokenHash retrieves a reset token by its hash.
func (r *ResetTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.ResetToken, error) {
	var (
		idStr, accountStr string
		t                 auth.ResetToken
	)
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, account_id, token_hash, ip_address, created_at, expires_at, used
		FROM reset_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&idStr, &accountStr, &t.TokenHash, &t.IPAddress, &t.CreatedAt, &t.ExpiresAt, &t.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("RESET_QUERY_FAILED").Wrap(err)
	}
	if t.ID, err = parseID(idStr, "RESET_INVALID_ID"); err != nil {
		return nil, err
	}
	if t.AccountID, err = parseID(accountStr, "RESET_INVALID_ID"); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}

// CountSince counts ledger rows for the account at or after since and
// returns the oldest creation time among them. The ledger outlives used
// tokens, which the sweeper deletes.
func (r *ResetTokenRepository) CountSince(ctx context.Context, accountID ulid.ULID, since time.Time) (int, *time.Time, error) {
	var (
		count  int
		oldest *time.Time
	)
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM reset_issuances
		WHERE account_id = $1 AND created_at >= $2
	`, accountID.String(), since).Scan(&count, &oldest)
	if err != nil {
		return 0, nil, oops.Code("RESET_COUNT_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	utc(oldest)
	return count, oldest, nil
}

// MarkUsed flips the used flag and reports whether this call flipped it.
func (r *ResetTokenRepository) MarkUsed(ctx context.Context, tokenHash string) (bool, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE reset_tokens SET used = TRUE WHERE token_hash = $1 AND used = FALSE
	`, tokenHash)
	if err != nil {
		return false, oops.Code("RESET_MARK_USED_FAILED").Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteExpired removes tokens that expired before now or were used.
func (r *ResetTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		DELETE FROM reset_tokens WHERE expires_at < $1 OR used = TRUE
	`, now)
	if err != nil {
		return 0, oops.Code("RESET_CLEANUP_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

// PruneIssuances removes ledger rows created before cutoff.
func (r *ResetTokenRepository) PruneIssuances(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM reset_issuances WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, oops.Code("RESET_LEDGER_PRUNE_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.ResetTokenRepository = (*ResetTokenRepository)(nil)
