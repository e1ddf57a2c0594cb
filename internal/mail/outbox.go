// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package mail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/xdg"
)

// DevFrom is the sender address used by the OutboxMailer.
const DevFrom = "keystead@localhost"

// OutboxMailer writes each email as an .eml file instead of sending it.
// It is used when smtp.dev_mode is set. Codes and links are also logged at
// info level so a developer can finish a flow from the terminal.
type OutboxMailer struct {
	dir    string
	logger *slog.Logger
	seq    atomic.Uint64
	now    func() time.Time
}

// NewOutboxMailer writes into dir, or into the "outbox" directory under
// the XDG state directory when dir is empty.
func NewOutboxMailer(dir string, logger *slog.Logger) (*OutboxMailer, error) {
	if dir == "" {
		state, err := xdg.StateDir()
		if err != nil {
			return nil, oops.Code("MAIL_OUTBOX_FAILED").Wrap(err)
		}
		dir = filepath.Join(state, "outbox")
	}
	if err := xdg.EnsureDir(dir); err != nil {
		return nil, oops.Code("MAIL_OUTBOX_FAILED").With("dir", dir).Wrap(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxMailer{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the outbox directory.
func (o *OutboxMailer) Dir() string { return o.dir }

// SendOTP writes a registration code email.
func (o *OutboxMailer) SendOTP(ctx context.Context, email, code, name string) error {
	msg, err := otpMessage(email, code, name)
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "dev mail: verification code", "to", email, "code", code)
	return o.write("otp", msg)
}

// SendResetLink writes a password reset email.
func (o *OutboxMailer) SendResetLink(ctx context.Context, email, link string) error {
	msg, err := resetMessage(email, link)
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "dev mail: reset link", "to", email, "link", link)
	return o.write("reset", msg)
}

// SendWelcome writes a welcome email.
func (o *OutboxMailer) SendWelcome(_ context.Context, email, name string) error {
	msg, err := welcomeMessage(email, name)
	if err != nil {
		return err
	}
	return o.write("welcome", msg)
}

func (o *OutboxMailer) write(kind string, msg Message) error {
	name := fmt.Sprintf("%s-%04d-%s.eml", o.now().UTC().Format("20060102T150405"), o.seq.Add(1), kind)
	path := filepath.Join(o.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // path built from our own dir
	if err != nil {
		return oops.Code("MAIL_OUTBOX_FAILED").With("path", path).Wrap(err)
	}
	if _, err := compose(DevFrom, msg).WriteTo(f); err != nil {
		_ = f.Close()
		return oops.Code("MAIL_OUTBOX_FAILED").With("path", path).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return oops.Code("MAIL_OUTBOX_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
