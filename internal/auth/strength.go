// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"strings"
	"unicode"

	passwordvalidator "github.com/wagslane/go-password-validator"
)

// Password strength requirements.
const (
	MinPasswordLength = 12

	// MinPasswordEntropyBits rejects long but guessable passwords
	// such as "Aaaaaaaaaaa1!".
	MinPasswordEntropyBits = 60
)

// ValidatePasswordStrength checks a candidate password against the
// composition rules and the entropy floor. The returned error lists every
// unmet rule.
func ValidatePasswordStrength(password string) error {
	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSpecial = true
		}
	}

	var unmet []string
	if len([]rune(password)) < MinPasswordLength {
		unmet = append(unmet, "at least 12 characters")
	}
	if !hasLower {
		unmet = append(unmet, "a lowercase letter")
	}
	if !hasUpper {
		unmet = append(unmet, "an uppercase letter")
	}
	if !hasDigit {
		unmet = append(unmet, "a number")
	}
	if !hasSpecial {
		unmet = append(unmet, "a special character")
	}
	if len(unmet) > 0 {
		msg := "Password must contain " + strings.Join(unmet, ", ") + "."
		return errorOf(KindValidation, "PASSWORD_TOO_WEAK").
			With("unmet", unmet).
			Public(msg).
			Errorf("password does not meet composition rules")
	}

	if err := passwordvalidator.Validate(password, MinPasswordEntropyBits); err != nil {
		return errorOf(KindValidation, "PASSWORD_TOO_WEAK").
			With("entropy_bits", passwordvalidator.GetEntropy(password)).
			Public("Password is too predictable. Avoid repeated characters and common sequences.").
			Wrap(err)
	}
	return nil
}
