// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"log/slog"
	"strings"

	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/internal/auth/postgres"
	"github.com/keystead/keystead/internal/botcheck"
	"github.com/keystead/keystead/internal/config"
	"github.com/keystead/keystead/internal/fieldcrypt"
	"github.com/keystead/keystead/internal/mail"
)

// newMailer returns the outbox mailer in development mode and the SMTP
// mailer otherwise.
func newMailer(cfg config.SMTPConfig, logger *slog.Logger) (auth.Mailer, error) {
	if cfg.DevMode {
		outbox, err := mail.NewOutboxMailer("", logger)
		if err != nil {
			return nil, err
		}
		logger.Info("mail goes to the outbox directory", "dir", outbox.Dir())
		return outbox, nil
	}
	smtp, err := mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}, logger)
	if err != nil {
		return nil, err
	}
	return smtp, nil
}

// newBotDetector returns the reCAPTCHA verifier, or a detector that lets
// every request through when bot detection is disabled.
func newBotDetector(cfg config.RecaptchaConfig, logger *slog.Logger) (auth.BotDetector, error) {
	if cfg.Disabled {
		logger.Warn("bot detection disabled")
		return botcheck.AlwaysAllow{}, nil
	}
	recaptcha, err := botcheck.NewRecaptcha(botcheck.Config{
		SecretKey: cfg.SecretKey,
		MinScore:  cfg.MinScore,
		VerifyURL: cfg.VerifyURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	return recaptcha, nil
}

// resetLinker builds the URL mailed with a password reset token.
func resetLinker(baseURL string) func(token string) string {
	base := strings.TrimRight(baseURL, "/")
	return func(token string) string {
		return base + "/reset?token=" + token
	}
}

// tokenIssuers holds the components the sweeper needs.
type tokenIssuers struct {
	otp    *auth.OTPIssuer
	resets *auth.ResetTokenIssuer
}

func newTokenIssuers(pool Pool, opts ...auth.Option) (*tokenIssuers, error) {
	otp, err := auth.NewOTPIssuer(postgres.NewOTPRepository(pool), opts...)
	if err != nil {
		return nil, err
	}
	resets, err := auth.NewResetTokenIssuer(postgres.NewResetTokenRepository(pool), opts...)
	if err != nil {
		return nil, err
	}
	return &tokenIssuers{otp: otp, resets: resets}, nil
}

// serviceParts carries everything newService needs beyond the pool.
type serviceParts struct {
	cfg    *config.Config
	mailer auth.Mailer
	bots   auth.BotDetector
	audit  auth.AuditSink
	tokens *tokenIssuers
	opts   []auth.Option
}

// newService assembles the account service on top of pool.
func newService(pool Pool, parts serviceParts, logger *slog.Logger) (*auth.Service, error) {
	fieldKey, err := parts.cfg.Crypto.FieldKeyBytes()
	if err != nil {
		return nil, err
	}
	sealer, err := fieldcrypt.New(fieldKey)
	if err != nil {
		return nil, oops.With("operation", "create field sealer").Wrap(err)
	}

	accounts := postgres.NewAccountRepository(pool)
	hasher := auth.NewDoubleSaltedHasher(auth.NewArgon2idHasher(), logger)

	sessions, err := auth.NewSessionManager(accounts, parts.opts...)
	if err != nil {
		return nil, err
	}
	policy, err := auth.NewPolicyEngine(postgres.NewHistoryRepository(pool), hasher, parts.opts...)
	if err != nil {
		return nil, err
	}

	return auth.NewService(auth.ServiceDeps{
		Accounts:  accounts,
		Tx:        postgres.NewTransactor(pool),
		Hasher:    hasher,
		Sessions:  sessions,
		Policy:    policy,
		OTP:       parts.tokens.otp,
		Resets:    parts.tokens.resets,
		Bots:      parts.bots,
		Mailer:    parts.mailer,
		Sealer:    sealer,
		Audit:     parts.audit,
		ResetLink: resetLinker(parts.cfg.HTTP.BaseURL),
	}, parts.opts...)
}

// retentionConfig maps the audit section onto the retention worker.
func retentionConfig(cfg config.AuditConfig) audit.RetentionConfig {
	return audit.RetentionConfig{
		RetainAlerts:  cfg.RetainAlerts,
		RetainRoutine: cfg.RetainRoutine,
		PurgeInterval: cfg.PurgeInterval,
	}
}
