// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"time"
)

// Login lockout configuration.
const (
	// LockoutDuration is the time an account is locked after too many failures.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of consecutive failures that triggers a lockout.
	LockoutThreshold = 3
)

// Issuance throttles.
const (
	// IssuanceWindow is the trailing window every issuance limit counts over.
	IssuanceWindow = time.Hour

	// MaxOTPPerEmail is the number of OTP challenges one email may receive per window.
	MaxOTPPerEmail = 3

	// MaxOTPPerIP is the number of OTP challenges one IP may request per window.
	MaxOTPPerIP = 5

	// MaxResetsPerAccount is the number of reset tokens one account may receive per window.
	MaxResetsPerAccount = 3
)

// IsLockedOut returns true if the lockout time is after now.
func IsLockedOut(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// LockoutRemaining returns how long the lockout still lasts at now, or zero.
func LockoutRemaining(lockedUntil *time.Time, now time.Time) time.Duration {
	if !IsLockedOut(lockedUntil, now) {
		return 0
	}
	return lockedUntil.Sub(now)
}

// ComputeLockoutTime returns the lockout timestamp for the given failure count.
// Returns nil if failures < LockoutThreshold.
func ComputeLockoutTime(failures int, now time.Time) *time.Time {
	if failures < LockoutThreshold {
		return nil
	}
	lockout := now.Add(LockoutDuration)
	return &lockout
}

// ResetOnSuccess returns the values to set after a successful login.
// Returns 0 for failed_attempts and nil for locked_until.
func ResetOnSuccess() (int, *time.Time) {
	return 0, nil
}

// windowRetryAfter returns how long until the oldest counted event leaves
// the trailing window. Never less than one second.
func windowRetryAfter(oldest, now time.Time) time.Duration {
	wait := oldest.Add(IssuanceWindow).Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}
