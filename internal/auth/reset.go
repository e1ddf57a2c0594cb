// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration.
const (
	ResetTokenBytes  = 32        // 256 bits
	ResetTokenExpiry = time.Hour // 1 hour expiry
)

// ResetToken is a single-use password reset grant. Only the SHA-256 of the
// token value is stored.
type ResetToken struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	IPAddress string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// IsExpiredAt returns true if the token would be expired at the given time.
func (r *ResetToken) IsExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// ResetTokenRepository manages reset token persistence.
type ResetTokenRepository interface {
	// Create stores a new reset token.
	Create(ctx context.Context, token *ResetToken) error

	// GetByTokenHash retrieves a reset token by its hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*ResetToken, error)

	// CountSince counts issuances to the account at or after since and
	// returns the oldest creation time among them. Issuances are counted
	// from a ledger that outlives swept tokens.
	CountSince(ctx context.Context, accountID ulid.ULID, since time.Time) (int, *time.Time, error)

	// MarkUsed flips the used flag. It reports whether this call flipped it.
	MarkUsed(ctx context.Context, tokenHash string) (bool, error)

	// DeleteExpired removes tokens that expired before now or were used.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// PruneIssuances removes ledger rows created before cutoff.
	PruneIssuances(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrInvalidResetToken is returned for unknown, used or expired tokens.
var ErrInvalidResetToken = errors.New("invalid or expired reset token")

// GenerateResetToken creates a URL-safe random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
func GenerateResetToken() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").
			In(string(KindInternal)).
			Wrap(err)
	}

	token = base64.RawURLEncoding.EncodeToString(tokenBytes)
	return token, HashResetToken(token), nil
}

// HashResetToken computes the SHA256 hash of a token.
func HashResetToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ResetTokenIssuer issues and validates password reset tokens. Several
// tokens for the same account may be live at once.
type ResetTokenIssuer struct {
	repo    ResetTokenRepository
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// NewResetTokenIssuer creates a ResetTokenIssuer.
func NewResetTokenIssuer(repo ResetTokenRepository, opts ...Option) (*ResetTokenIssuer, error) {
	if repo == nil {
		return nil, oops.Errorf("reset token repository is required")
	}
	o := buildOptions(opts)
	return &ResetTokenIssuer{repo: repo, clock: o.clock, logger: o.logger, metrics: o.metrics}, nil
}

// Issue creates a token for the account and returns its plaintext value.
func (i *ResetTokenIssuer) Issue(ctx context.Context, account *Account, ip string) (string, error) {
	now := i.clock()

	count, oldest, err := i.repo.CountSince(ctx, account.ID, now.Add(-IssuanceWindow))
	if err != nil {
		return "", oops.Code("RESET_STATS_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	if count >= MaxResetsPerAccount && oldest != nil {
		i.metrics.ObserveIssuance("reset", "rate_limited")
		return "", errorOf(KindRateLimited, "RESET_RATE_LIMITED").
			With("account_id", account.ID.String()).
			With(retryAfterKey, windowRetryAfter(*oldest, now)).
			Public(MsgRateLimited).
			Errorf("too many reset requests")
	}

	token, hash, err := GenerateResetToken()
	if err != nil {
		return "", err
	}

	record := &ResetToken{
		ID:        ulid.Make(),
		AccountID: account.ID,
		TokenHash: hash,
		IPAddress: ip,
		CreatedAt: now,
		ExpiresAt: now.Add(ResetTokenExpiry),
	}
	if err := i.repo.Create(ctx, record); err != nil {
		return "", oops.Code("RESET_CREATE_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	i.metrics.ObserveIssuance("reset", "issued")
	return token, nil
}

// Validate returns the stored token record if token exists, is unused and
// has not expired.
func (i *ResetTokenIssuer) Validate(ctx context.Context, token string) (*ResetToken, error) {
	if token == "" {
		return nil, invalidResetToken()
	}
	record, err := i.repo.GetByTokenHash(ctx, HashResetToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidResetToken()
		}
		return nil, oops.Code("RESET_LOOKUP_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}
	if record.Used || record.IsExpiredAt(i.clock()) {
		return nil, invalidResetToken()
	}
	return record, nil
}

// MarkUsed consumes a token. Reports whether this call consumed it.
func (i *ResetTokenIssuer) MarkUsed(ctx context.Context, token string) (bool, error) {
	flipped, err := i.repo.MarkUsed(ctx, HashResetToken(token))
	if err != nil {
		return false, oops.Code("RESET_MARK_USED_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}
	return flipped, nil
}

// CleanupExpired removes expired or used tokens and issuance ledger rows
// that no longer count toward the throttle window.
func (i *ResetTokenIssuer) CleanupExpired(ctx context.Context) (int64, error) {
	now := i.clock()
	removed, err := i.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, oops.Code("RESET_CLEANUP_FAILED").In(string(KindPersistence)).Wrap(err)
	}
	pruned, err := i.repo.PruneIssuances(ctx, now.Add(-IssuanceWindow))
	if err != nil {
		return removed, oops.Code("RESET_LEDGER_PRUNE_FAILED").In(string(KindPersistence)).Wrap(err)
	}
	i.metrics.ObserveSweep("reset", removed)
	i.metrics.ObserveSweep("reset_issuance", pruned)
	return removed, nil
}

func invalidResetToken() error {
	return errorOf(KindNotFoundOrExpired, "RESET_TOKEN_INVALID").
		Public(MsgInvalidResetLink).
		Wrap(ErrInvalidResetToken)
}
