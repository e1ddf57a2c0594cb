// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxEmailLength is the longest address accepted (RFC 5321 path limit).
const MaxEmailLength = 254

// Account store sentinels. Repositories wrap these with coded oops errors.
var (
	// ErrEmailTaken is returned when an account with the email already exists.
	ErrEmailTaken = errors.New("email already registered")

	// ErrConflict is returned when an optimistic account write lost a race.
	ErrConflict = errors.New("account was modified concurrently")
)

// Account is a member account.
type Account struct {
	ID           ulid.ULID
	Email        string // normalised, see NormalizeEmail
	PasswordHash string // DoubleSaltedHasher blob

	// SessionTokenHash is the SHA-256 of the one session token currently
	// allowed to use the account. Nil when nobody is logged in.
	SessionTokenHash *string
	LastActivityAt   *time.Time

	LastLoginAt    *time.Time
	LastLoginIP    string
	LastLoginAgent string

	FailedAttempts int
	LockedUntil    *time.Time

	PasswordChangedAt *time.Time
	PasswordExpiresAt *time.Time

	EmailVerified bool
	// SealedProfile is the encrypted JSON form of Profile.
	SealedProfile []byte

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Profile holds the personal details collected at registration.
type Profile struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Gender      string `json:"gender,omitempty"`
	NRIC        string `json:"nric,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	WhoAmI      string `json:"who_am_i,omitempty"`
}

// DisplayName returns the name used in emails.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return "Member"
	}
	return name
}

// NewAccount creates an account for a verified email.
func NewAccount(email, passwordHash string, sealedProfile []byte, now time.Time) (*Account, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, errorOf(KindValidation, "ACCOUNT_INVALID_HASH").Errorf("password hash cannot be empty")
	}
	return &Account{
		ID:            ulid.Make(),
		Email:         email,
		PasswordHash:  passwordHash,
		EmailVerified: true,
		SealedProfile: sealedProfile,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsLockedAt reports whether the account is locked at the given time.
func (a *Account) IsLockedAt(now time.Time) bool {
	return IsLockedOut(a.LockedUntil, now)
}

// RecordFailure increments the failure counter and sets lockout if threshold reached.
func (a *Account) RecordFailure(now time.Time) {
	a.FailedAttempts++
	a.LockedUntil = ComputeLockoutTime(a.FailedAttempts, now)
	a.UpdatedAt = now
}

// RecordSuccess resets failure counter and lockout.
func (a *Account) RecordSuccess(now time.Time) {
	a.FailedAttempts, a.LockedUntil = ResetOnSuccess()
	a.UpdatedAt = now
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks that email is a single bare address.
func ValidateEmail(email string) error {
	if email == "" {
		return errorOf(KindValidation, "AUTH_INVALID_EMAIL").
			Public("Email is required.").
			Errorf("email cannot be empty")
	}
	if len(email) > MaxEmailLength {
		return errorOf(KindValidation, "AUTH_INVALID_EMAIL").
			With("max", MaxEmailLength).
			Public("Email address is too long.").
			Errorf("email must be at most %d characters", MaxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errorOf(KindValidation, "AUTH_INVALID_EMAIL").
			Public("Please enter a valid email address.").
			Errorf("invalid email address")
	}
	return nil
}

// RedactEmail masks the local part of an address for logs: "a***@x.com".
func RedactEmail(email string) string {
	local, domain, found := strings.Cut(email, "@")
	if !found || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

// AccountRepository manages account persistence.
type AccountRepository interface {
	// Create stores a new account. Returns an error wrapping ErrEmailTaken
	// when the email is already registered.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail retrieves an account by email (case-insensitive).
	// Returns ErrNotFound if no account has the given email.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// Update writes every mutable column if account.Version still matches
	// the stored row, then increments Version. Returns an error wrapping
	// ErrConflict when the row changed underneath.
	Update(ctx context.Context, account *Account) error
}
