// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/auth"
)

// HistoryRepository implements auth.PasswordHistoryRepository using PostgreSQL.
type HistoryRepository struct {
	pool poolIface
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(pool poolIface) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

// Recent returns up to limit entries for the account, newest first.
func (r *HistoryRepository) Recent(ctx context.Context, accountID ulid.ULID, limit int) ([]*auth.PasswordHistoryEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, account_id, password_hash, created_at
		FROM password_history
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID.String(), limit)
	if err != nil {
		return nil, oops.Code("HISTORY_QUERY_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var entries []*auth.PasswordHistoryEntry
	for rows.Next() {
		var idStr, accountStr string
		entry := &auth.PasswordHistoryEntry{}
		if err := rows.Scan(&idStr, &accountStr, &entry.PasswordHash, &entry.CreatedAt); err != nil {
			return nil, oops.Code("HISTORY_SCAN_FAILED").Wrap(err)
		}
		if entry.ID, err = parseID(idStr, "HISTORY_INVALID_ID"); err != nil {
			return nil, err
		}
		if entry.AccountID, err = parseID(accountStr, "HISTORY_INVALID_ID"); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("HISTORY_QUERY_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return entries, nil
}

// Append stores entry and prunes the account's history down to the newest
// keep entries in one transaction.
func (r *HistoryRepository) Append(ctx context.Context, entry *auth.PasswordHistoryEntry, keep int) error {
	return inTx(ctx, r.pool, "HISTORY_APPEND_FAILED", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO password_history (id, account_id, password_hash, created_at)
			VALUES ($1, $2, $3, $4)
		`, entry.ID.String(), entry.AccountID.String(), entry.PasswordHash, entry.CreatedAt); err != nil {
			return oops.Code("HISTORY_APPEND_FAILED").
				With("account_id", entry.AccountID.String()).
				Wrap(err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM password_history
			WHERE account_id = $1 AND id NOT IN (
				SELECT id FROM password_history
				WHERE account_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			)
		`, entry.AccountID.String(), keep); err != nil {
			return oops.Code("HISTORY_PRUNE_FAILED").
				With("account_id", entry.AccountID.String()).
				With("keep", keep).
				Wrap(err)
		}
		return nil
	})
}

var _ auth.PasswordHistoryRepository = (*HistoryRepository)(nil)
