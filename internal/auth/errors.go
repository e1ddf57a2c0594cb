// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"errors"
	"time"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Kind classifies an error for callers deciding how to report or retry it.
// Kinds are attached to oops errors as their domain.
type Kind string

// Error kinds.
const (
	KindValidation          Kind = "validation"
	KindRateLimited         Kind = "rate_limited"
	KindNotFoundOrExpired   Kind = "not_found_or_expired"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindPersistence         Kind = "persistence"
	KindDelivery            Kind = "delivery"
	KindUnauthenticated     Kind = "unauthenticated"
	KindLocked              Kind = "locked"
	KindInternal            Kind = "internal"
)

// Public messages shown to end users. Authentication and token failures
// share one message per flow so responses never reveal which check failed.
const (
	MsgInvalidCredentials = "Invalid email or password."
	MsgInvalidCode        = "Invalid or expired verification code. Please try again or request a new code."
	MsgInvalidResetLink   = "This password reset link is invalid or has expired. Please request a new one."
	MsgResetRequested     = "If an account with that email exists, a password reset link has been sent."
	MsgRateLimited        = "Too many requests. Please try again later."
	MsgAccountLocked      = "Account is temporarily locked due to multiple failed login attempts."
	MsgSessionInvalid     = "Your session is no longer valid. Please log in again."
	MsgDeliveryFailed     = "We could not send the email. Please try again."
	MsgInternal           = "An internal error occurred. Please try again."
	MsgRegistrationFailed = "Registration could not be completed. If you already have an account, please log in instead."
	MsgRegistrationGone   = "Your registration has expired. Please register again."
	MsgBotCheckFailed     = "We could not verify that you are human. Please try again."
	MsgCurrentPassword    = "Current password is incorrect."
)

// retryAfterKey is the oops context key carrying a rate-limit hint.
const retryAfterKey = "retry_after"

func errorOf(kind Kind, code string) oops.OopsErrorBuilder {
	return oops.Code(code).In(string(kind))
}

// KindOf returns the kind of err. Errors wrapping ErrNotFound without an
// explicit kind report KindNotFoundOrExpired; anything unclassified is
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if domain := oopsErr.Domain(); domain != "" {
			return Kind(domain)
		}
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFoundOrExpired
	}
	return KindInternal
}

// RetryAfter returns the retry hint attached to a rate-limited or locked error.
func RetryAfter(err error) (time.Duration, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	d, ok := oopsErr.Context()[retryAfterKey].(time.Duration)
	return d, ok
}

// PublicMessage returns the message safe to show to an end user.
func PublicMessage(err error) string {
	return oops.GetPublic(err, MsgInternal)
}
