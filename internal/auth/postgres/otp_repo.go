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

const challengeColumns = `id, email, code, payload, ip_address, created_at, expires_at, used`

// OTPRepository implements auth.OTPRepository using PostgreSQL. Issuance
// counts come from the otp_issuances ledger because supersession deletes
// challenge rows.
type OTPRepository struct {
	pool poolIface
}

// NewOTPRepository creates a new OTPRepository.
func NewOTPRepository(pool poolIface) *OTPRepository {
	return &OTPRepository{pool: pool}
}

// Stats counts ledger rows for the email and for the IP since the cutoff.
func (r *OTPRepository) Stats(ctx context.Context, email, ip string, since time.Time) (auth.IssuanceStats, error) {
	var st auth.IssuanceStats
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE email = $1),
			MIN(created_at) FILTER (WHERE email = $1),
			COUNT(*) FILTER (WHERE ip_address = $2),
			MIN(created_at) FILTER (WHERE ip_address = $2)
		FROM otp_issuances
		WHERE created_at >= $3 AND (email = $1 OR ip_address = $2)
	`, email, ip, since).Scan(&st.EmailCount, &st.OldestEmail, &st.IPCount, &st.OldestIP)
	if err != nil {
		return auth.IssuanceStats{}, oops.Code("OTP_STATS_QUERY_FAILED").
			With("email", auth.RedactEmail(email)).
			Wrap(err)
	}
	utc(st.OldestEmail, st.OldestIP)
	return st, nil
}

// Issue supersedes unused challenges for the email, stores the new one and
// appends a ledger row in one transaction.
func (r *OTPRepository) Issue(ctx context.Context, challenge *auth.OTPChallenge) error {
	return inTx(ctx, r.pool, "OTP_ISSUE_FAILED", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM otp_challenges WHERE email = $1 AND used = FALSE
		`, challenge.Email); err != nil {
			return oops.Code("OTP_ISSUE_FAILED").With("operation", "supersede").Wrap(err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO otp_challenges (`+challengeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			challenge.ID.String(),
			challenge.Email,
			challenge.Code,
			challenge.Payload,
			challenge.IPAddress,
			challenge.CreatedAt,
			challenge.ExpiresAt,
			challenge.Used,
		); err != nil {
			return oops.Code("OTP_ISSUE_FAILED").
				With("operation", "insert challenge").
				With("challenge_id", challenge.ID.String()).
				Wrap(err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO otp_issuances (id, email, ip_address, created_at)
			VALUES ($1, $2, $3, $4)
		`, ulid.Make().String(), challenge.Email, challenge.IPAddress, challenge.CreatedAt); err != nil {
			return oops.Code("OTP_ISSUE_FAILED").With("operation", "append ledger").Wrap(err)
		}
		return nil
	})
}

// FindUnused returns the newest unused challenge matching email and code.
func (r *OTPRepository) FindUnused(ctx context.Context, email, code string) (*auth.OTPChallenge, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+challengeColumns+`
		FROM otp_challenges
		WHERE email = $1 AND code = $2 AND used = FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, email, code)
	return r.one(row, email)
}

// Latest returns the newest challenge for the email, used or not.
func (r *OTPRepository) Latest(ctx context.Context, email string) (*auth.OTPChallenge, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+challengeColumns+`
		FROM otp_challenges
		WHERE email = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, email)
	return r.one(row, email)
}

func (r *OTPRepository) one(row pgx.Row, email string) (*auth.OTPChallenge, error) {
	var (
		idStr string
		c     auth.OTPChallenge
	)
	err := row.Scan(&idStr, &c.Email, &c.Code, &c.Payload, &c.IPAddress, &c.CreatedAt, &c.ExpiresAt, &c.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("OTP_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("OTP_QUERY_FAILED").
			With("email", auth.RedactEmail(email)).
			Wrap(err)
	}
	if c.ID, err = parseID(idStr, "OTP_INVALID_ID"); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return &c, nil
}

// MarkUsed flips the used flag and reports whether this call flipped it.
func (r *OTPRepository) MarkUsed(ctx context.Context, id ulid.ULID) (bool, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE otp_challenges SET used = TRUE WHERE id = $1 AND used = FALSE
	`, id.String())
	if err != nil {
		return false, oops.Code("OTP_MARK_USED_FAILED").
			With("challenge_id", id.String()).
			Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteExpired removes challenges that expired before now or were used.
func (r *OTPRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		DELETE FROM otp_challenges WHERE expires_at < $1 OR used = TRUE
	`, now)
	if err != nil {
		return 0, oops.Code("OTP_CLEANUP_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

// PruneIssuances removes ledger rows created before cutoff.
func (r *OTPRepository) PruneIssuances(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM otp_issuances WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, oops.Code("OTP_LEDGER_PRUNE_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.OTPRepository = (*OTPRepository)(nil)
