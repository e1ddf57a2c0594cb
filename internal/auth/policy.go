// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Password policy configuration.
const (
	// MinPasswordAge is how long a new password must be kept before it can change again.
	MinPasswordAge = time.Minute

	// PasswordLifetime is how long a password stays valid after being set.
	PasswordLifetime = 90 * 24 * time.Hour

	// HistoryDepth is how many previous password hashes are retained.
	HistoryDepth = 2
)

// PasswordHistoryEntry is a previously used password hash.
type PasswordHistoryEntry struct {
	ID           ulid.ULID
	AccountID    ulid.ULID
	PasswordHash string
	CreatedAt    time.Time
}

// PasswordHistoryRepository manages password history persistence.
type PasswordHistoryRepository interface {
	// Recent returns up to limit entries for the account, newest first.
	Recent(ctx context.Context, accountID ulid.ULID, limit int) ([]*PasswordHistoryEntry, error)

	// Append stores entry and then deletes all but the newest keep
	// entries for the account, atomically.
	Append(ctx context.Context, entry *PasswordHistoryEntry, keep int) error
}

// PolicyDecision is the outcome of ValidatePolicy.
type PolicyDecision struct {
	Allowed bool
	Reason  string
	// RetryIn is set when the password is too young to change.
	RetryIn time.Duration
}

// PolicyEngine enforces minimum age, expiry and reuse rules.
type PolicyEngine struct {
	history PasswordHistoryRepository
	hasher  PasswordHasher
	clock   func() time.Time
	logger  *slog.Logger
}

// NewPolicyEngine creates a PolicyEngine.
func NewPolicyEngine(history PasswordHistoryRepository, hasher PasswordHasher, opts ...Option) (*PolicyEngine, error) {
	if history == nil {
		return nil, oops.Errorf("password history repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	o := buildOptions(opts)
	return &PolicyEngine{history: history, hasher: hasher, clock: o.clock, logger: o.logger}, nil
}

// CanChangeNow reports whether the minimum password age has passed.
func (p *PolicyEngine) CanChangeNow(account *Account) bool {
	return p.remainingAge(account) <= 0
}

func (p *PolicyEngine) remainingAge(account *Account) time.Duration {
	if account.PasswordChangedAt == nil {
		return 0
	}
	return MinPasswordAge - p.clock().Sub(*account.PasswordChangedAt)
}

// IsExpired reports whether the account's password has passed its expiry.
// Accounts without an expiry never expire.
func (p *PolicyEngine) IsExpired(account *Account) bool {
	return account.PasswordExpiresAt != nil && p.clock().After(*account.PasswordExpiresAt)
}

// IsReused reports whether candidate matches one of the retained history entries.
func (p *PolicyEngine) IsReused(ctx context.Context, account *Account, candidate string) (bool, error) {
	entries, err := p.history.Recent(ctx, account.ID, HistoryDepth)
	if err != nil {
		return false, oops.Code("PASSWORD_HISTORY_READ_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	for _, entry := range entries {
		if p.hasher.Verify(candidate, entry.PasswordHash) {
			return true, nil
		}
	}
	return false, nil
}

// AddToHistory records passwordHash and prunes older entries.
func (p *PolicyEngine) AddToHistory(ctx context.Context, account *Account, passwordHash string) error {
	entry := &PasswordHistoryEntry{
		ID:           ulid.Make(),
		AccountID:    account.ID,
		PasswordHash: passwordHash,
		CreatedAt:    p.clock(),
	}
	if err := p.history.Append(ctx, entry, HistoryDepth); err != nil {
		return oops.Code("PASSWORD_HISTORY_WRITE_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// ValidatePolicy checks minimum age first, then reuse.
func (p *PolicyEngine) ValidatePolicy(ctx context.Context, account *Account, candidate string) (PolicyDecision, error) {
	if remaining := p.remainingAge(account); remaining > 0 {
		minutes := int(math.Ceil(remaining.Minutes()))
		return PolicyDecision{
			Reason:  fmt.Sprintf("You changed your password recently. Please try again in %d minute(s).", minutes),
			RetryIn: remaining,
		}, nil
	}

	reused, err := p.IsReused(ctx, account, candidate)
	if err != nil {
		return PolicyDecision{}, err
	}
	if reused {
		return PolicyDecision{
			Reason: fmt.Sprintf("You cannot reuse any of your last %d passwords.", HistoryDepth),
		}, nil
	}

	return PolicyDecision{Allowed: true}, nil
}

// SetExpiry marks the password as changed now and sets its expiry.
func (p *PolicyEngine) SetExpiry(account *Account) {
	now := p.clock()
	expires := now.Add(PasswordLifetime)
	account.PasswordChangedAt = &now
	account.PasswordExpiresAt = &expires
	account.UpdatedAt = now
}

// rejection converts a negative decision into a validation error.
func (d PolicyDecision) rejection() error {
	builder := errorOf(KindValidation, "PASSWORD_POLICY_REJECTED").Public(d.Reason)
	if d.RetryIn > 0 {
		builder = builder.With(retryAfterKey, d.RetryIn)
	}
	return builder.Errorf("password rejected by policy: %s", d.Reason)
}
