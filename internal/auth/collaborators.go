// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"

	"github.com/keystead/keystead/internal/audit"
)

// Bot check actions.
const (
	BotActionLogin          = "login"
	BotActionRegister       = "register"
	BotActionForgotPassword = "forgot_password"
)

// BotVerdict is the answer of a bot detector.
type BotVerdict struct {
	Valid   bool
	Score   float64
	Message string
}

// BotDetector decides whether a request comes from a human.
type BotDetector interface {
	Verify(ctx context.Context, token, action, ip string) (BotVerdict, error)
}

// Mailer delivers account emails.
type Mailer interface {
	SendOTP(ctx context.Context, email, code, name string) error
	SendResetLink(ctx context.Context, email, link string) error
	SendWelcome(ctx context.Context, email, name string) error
}

// AuditSink records audit entries. Record must not block on or report
// storage failures.
type AuditSink interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Sealer encrypts and decrypts small blobs at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Transactor runs fn so that the repository calls made with the context it
// receives commit together or not at all.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// inline runs fn without a transaction, for stores that write atomically
// on their own.
type inline struct{}

func (inline) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, audit.Entry) {}
