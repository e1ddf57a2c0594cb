// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// OTP configuration.
const (
	OTPExpiry  = 10 * time.Minute
	otpModulus = 1_000_000
)

// OTPChallenge is an emailed verification code guarding a pending registration.
type OTPChallenge struct {
	ID        ulid.ULID
	Email     string
	Code      string
	Payload   []byte // sealed pending registration
	IPAddress string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// IsExpiredAt returns true if the challenge would be expired at the given time.
func (c *OTPChallenge) IsExpiredAt(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// IssuanceStats summarises issuance within a trailing window.
type IssuanceStats struct {
	EmailCount  int
	IPCount     int
	OldestEmail *time.Time
	OldestIP    *time.Time
}

// OTPRepository manages OTP challenge persistence.
type OTPRepository interface {
	// Stats counts issuance ledger rows created at or after since.
	Stats(ctx context.Context, email, ip string, since time.Time) (IssuanceStats, error)

	// Issue deletes unused challenges for the email, stores challenge and
	// appends an issuance ledger row, atomically.
	Issue(ctx context.Context, challenge *OTPChallenge) error

	// FindUnused returns the newest unused challenge matching email and code.
	// Returns ErrNotFound if there is none.
	FindUnused(ctx context.Context, email, code string) (*OTPChallenge, error)

	// Latest returns the newest challenge for the email, used or not.
	// Returns ErrNotFound if there is none.
	Latest(ctx context.Context, email string) (*OTPChallenge, error)

	// MarkUsed flips the used flag. It reports whether this call flipped it;
	// marking an already used challenge returns false and no error.
	MarkUsed(ctx context.Context, id ulid.ULID) (bool, error)

	// DeleteExpired removes challenges that expired before now or were used.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// PruneIssuances removes ledger rows created before cutoff.
	PruneIssuances(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrInvalidOTP is returned for any OTP that does not validate. Wrong,
// used and expired codes are indistinguishable to callers.
var ErrInvalidOTP = errors.New("invalid or expired verification code")

// OTPIssuer issues and validates registration verification codes.
type OTPIssuer struct {
	repo    OTPRepository
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// NewOTPIssuer creates an OTPIssuer.
func NewOTPIssuer(repo OTPRepository, opts ...Option) (*OTPIssuer, error) {
	if repo == nil {
		return nil, oops.Errorf("otp repository is required")
	}
	o := buildOptions(opts)
	return &OTPIssuer{repo: repo, clock: o.clock, logger: o.logger, metrics: o.metrics}, nil
}

// CanIssue reports whether both the email and IP quotas allow another code.
func (i *OTPIssuer) CanIssue(ctx context.Context, email, ip string) (bool, error) {
	wait, err := i.quotaWait(ctx, email, ip)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// quotaWait returns zero when issuance is allowed, otherwise the time
// until the oldest blocking issuance leaves the window.
func (i *OTPIssuer) quotaWait(ctx context.Context, email, ip string) (time.Duration, error) {
	now := i.clock()
	stats, err := i.repo.Stats(ctx, email, ip, now.Add(-IssuanceWindow))
	if err != nil {
		return 0, oops.Code("OTP_STATS_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}

	var wait time.Duration
	if stats.EmailCount >= MaxOTPPerEmail && stats.OldestEmail != nil {
		wait = windowRetryAfter(*stats.OldestEmail, now)
	}
	if stats.IPCount >= MaxOTPPerIP && stats.OldestIP != nil {
		if w := windowRetryAfter(*stats.OldestIP, now); w > wait {
			wait = w
		}
	}
	return wait, nil
}

// Issue creates a new challenge for email, superseding earlier unused
// ones, and returns the plaintext code for delivery.
func (i *OTPIssuer) Issue(ctx context.Context, email string, payload []byte, ip string) (string, error) {
	wait, err := i.quotaWait(ctx, email, ip)
	if err != nil {
		return "", err
	}
	if wait > 0 {
		i.metrics.ObserveIssuance("otp", "rate_limited")
		return "", errorOf(KindRateLimited, "OTP_RATE_LIMITED").
			With(retryAfterKey, wait).
			Public(MsgRateLimited).
			Errorf("too many verification codes requested")
	}

	code, err := GenerateOTPCode()
	if err != nil {
		return "", err
	}

	now := i.clock()
	challenge := &OTPChallenge{
		ID:        ulid.Make(),
		Email:     email,
		Code:      code,
		Payload:   payload,
		IPAddress: ip,
		CreatedAt: now,
		ExpiresAt: now.Add(OTPExpiry),
	}
	if err := i.repo.Issue(ctx, challenge); err != nil {
		return "", oops.Code("OTP_ISSUE_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}

	i.metrics.ObserveIssuance("otp", "issued")
	i.logger.Debug("otp issued", "email", RedactEmail(email), "challenge_id", challenge.ID.String())
	return code, nil
}

// Validate returns the challenge matching email and code if it is unused
// and unexpired. It does not consume the challenge.
func (i *OTPIssuer) Validate(ctx context.Context, email, code string) (*OTPChallenge, error) {
	challenge, err := i.repo.FindUnused(ctx, email, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidOTP()
		}
		return nil, oops.Code("OTP_LOOKUP_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}
	if challenge.Used || challenge.IsExpiredAt(i.clock()) {
		return nil, invalidOTP()
	}
	return challenge, nil
}

// MarkUsed consumes a challenge. Reports whether this call consumed it.
func (i *OTPIssuer) MarkUsed(ctx context.Context, id ulid.ULID) (bool, error) {
	flipped, err := i.repo.MarkUsed(ctx, id)
	if err != nil {
		return false, oops.Code("OTP_MARK_USED_FAILED").
			In(string(KindPersistence)).
			With("challenge_id", id.String()).
			Wrap(err)
	}
	return flipped, nil
}

// Latest returns the newest challenge for email.
func (i *OTPIssuer) Latest(ctx context.Context, email string) (*OTPChallenge, error) {
	challenge, err := i.repo.Latest(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidOTP()
		}
		return nil, oops.Code("OTP_LOOKUP_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}
	return challenge, nil
}

// CleanupExpired removes expired or used challenges and issuance ledger
// rows that no longer count toward any window.
func (i *OTPIssuer) CleanupExpired(ctx context.Context) (int64, error) {
	now := i.clock()
	removed, err := i.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, oops.Code("OTP_CLEANUP_FAILED").In(string(KindPersistence)).Wrap(err)
	}
	pruned, err := i.repo.PruneIssuances(ctx, now.Add(-IssuanceWindow))
	if err != nil {
		return removed, oops.Code("OTP_LEDGER_PRUNE_FAILED").In(string(KindPersistence)).Wrap(err)
	}
	i.metrics.ObserveSweep("otp", removed)
	i.metrics.ObserveSweep("otp_issuance", pruned)
	return removed, nil
}

func invalidOTP() error {
	return errorOf(KindNotFoundOrExpired, "OTP_INVALID").
		Public(MsgInvalidCode).
		Wrap(ErrInvalidOTP)
}

// GenerateOTPCode returns a zero-padded six digit code from crypto/rand.
// The modulo reduction of a uint32 leaves a bias below 2^-12 per value.
func GenerateOTPCode() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", oops.Code("OTP_GENERATE_FAILED").
			In(string(KindInternal)).
			With("operation", "crypto/rand.Read").
			Wrap(err)
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(buf[:])%otpModulus), nil
}
