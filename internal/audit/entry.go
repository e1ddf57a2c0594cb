// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Action names what happened.
type Action string

// Audited actions.
const (
	ActionLogin                  Action = "Login"
	ActionLoginFailed            Action = "Login Failed"
	ActionLogout                 Action = "Logout"
	ActionRegister               Action = "Register"
	ActionPasswordChange         Action = "Password Change"
	ActionSessionExpired         Action = "Session Expired"
	ActionMultipleLoginDetected  Action = "Multiple Login Detected"
	ActionAccountLocked          Action = "Account Locked"
	ActionOTPSent                Action = "OTP Sent"
	ActionOTPResent              Action = "OTP Resent"
	ActionOTPVerificationFailed  Action = "OTP Verification Failed"
	ActionDuplicateRegistration  Action = "Duplicate Registration Attempt"
	ActionPasswordResetRequested Action = "Password Reset Requested"
	ActionPasswordReset          Action = "Password Reset"
	ActionPasswordResetFailed    Action = "Password Reset Failed"
	ActionBotCheckFailed         Action = "reCAPTCHA Failed"
)

// Status is the outcome of an audited action.
type Status string

// Audit statuses.
const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
	StatusWarning Status = "Warning"
	StatusInfo    Status = "Info"
)

// Entry is a single audit record.
type Entry struct {
	ID          ulid.ULID      `json:"id"`
	ActorID     string         `json:"actor_id,omitempty"`
	ActorEmail  string         `json:"actor_email,omitempty"`
	Action      Action         `json:"action"`
	Status      Status         `json:"status"`
	Description string         `json:"description,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// isAlert reports whether the entry must be written synchronously.
func (e Entry) isAlert() bool {
	return e.Status == StatusFailed || e.Status == StatusWarning
}
