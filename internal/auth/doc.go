// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package auth implements the Keystead credential lifecycle: password
// hashing, password policy, OTP-gated registration, reset tokens and
// single-active-session enforcement.
//
// # Domain Types
//
// Accounts are created with NewAccount, which validates the email and
// password hash. Repository implementations receive pre-validated values.
//
// # Components
//
// Each component takes its repository and Options explicitly:
//   - PasswordHasher - DoubleSaltedHasher wrapping Argon2idHasher
//   - PolicyEngine - minimum age, expiry and reuse rules
//   - OTPIssuer - six digit registration codes with per-email and per-IP quotas
//   - ResetTokenIssuer - single-use password reset tokens
//   - SessionManager - one live browser session per account
//
// # Service
//
// Service composes the components into the login, registration and
// password flows. Sweeper removes expired challenges and tokens.
//
// # Errors
//
// Errors are oops errors whose domain is a Kind. Use KindOf to classify,
// RetryAfter for rate-limit hints and PublicMessage for user-facing text.
package auth
