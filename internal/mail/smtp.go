// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package mail delivers Keystead account emails over SMTP, or into a
// local outbox during development.
package mail

import (
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"gopkg.in/gomail.v2"
)

// Retry budget for one email.
const (
	sendRetries   = 2
	sendBaseDelay = 250 * time.Millisecond
)

// sender is the part of *gomail.Dialer the SMTPMailer uses.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends account emails through an SMTP relay.
type SMTPMailer struct {
	dialer    sender
	from      string
	logger    *slog.Logger
	baseDelay time.Duration
}

// NewSMTPMailer creates a mailer for cfg. A nil logger falls back to
// slog.Default().
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("from address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPMailer{
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:      cfg.From,
		logger:    logger,
		baseDelay: sendBaseDelay,
	}, nil
}

// SendOTP mails a registration code.
func (m *SMTPMailer) SendOTP(ctx context.Context, email, code, name string) error {
	msg, err := otpMessage(email, code, name)
	if err != nil {
		return err
	}
	return m.send(ctx, "otp", msg)
}

// SendResetLink mails a password reset link.
func (m *SMTPMailer) SendResetLink(ctx context.Context, email, link string) error {
	msg, err := resetMessage(email, link)
	if err != nil {
		return err
	}
	return m.send(ctx, "reset", msg)
}

// SendWelcome mails the post-registration greeting.
func (m *SMTPMailer) SendWelcome(ctx context.Context, email, name string) error {
	msg, err := welcomeMessage(email, name)
	if err != nil {
		return err
	}
	return m.send(ctx, "welcome", msg)
}

func (m *SMTPMailer) send(ctx context.Context, kind string, msg Message) error {
	gm := compose(m.from, msg)

	attempt := 0
	backoff := retry.WithMaxRetries(sendRetries, retry.NewExponential(m.baseDelay))
	err := retry.Do(ctx, backoff, func(context.Context) error {
		attempt++
		err := m.dialer.DialAndSend(gm)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		m.logger.Warn("smtp send failed, retrying",
			"kind", kind,
			"to", msg.To,
			"attempt", attempt,
			"error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("kind", kind).
			With("attempts", attempt).
			Wrap(err)
	}
	m.logger.Debug("email sent", "kind", kind, "to", msg.To)
	return nil
}

// permanent reports SMTP 5xx replies, which a retry cannot fix.
func permanent(err error) bool {
	var reply *textproto.Error
	return errors.As(err, &reply) && reply.Code >= 500
}

func compose(from string, msg Message) *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetHeader("From", from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/html", msg.HTML)
	return gm
}
