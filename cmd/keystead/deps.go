// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/internal/config"
	"github.com/keystead/keystead/internal/observability"
	"github.com/keystead/keystead/internal/store"
)

// Pool is the database handle shared by the repositories and the audit
// writer. *pgxpool.Pool satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// ObservabilityServer is the metrics and health listener.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// PoolOpener connects to PostgreSQL.
	// Default: store.Open
	PoolOpener func(ctx context.Context, cfg store.PoolConfig) (Pool, error)

	// MailerFactory builds the outbound mailer.
	// Default: newMailer
	MailerFactory func(cfg config.SMTPConfig, logger *slog.Logger) (auth.Mailer, error)

	// BotDetectorFactory builds the bot detection collaborator.
	// Default: newBotDetector
	BotDetectorFactory func(cfg config.RecaptchaConfig, logger *slog.Logger) (auth.BotDetector, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// openPool connects to PostgreSQL. The one-shot commands use it directly;
// tests replace it.
var openPool = func(ctx context.Context, cfg store.PoolConfig) (Pool, error) {
	pool, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (d *ServeDeps) applyDefaults() {
	if d.PoolOpener == nil {
		d.PoolOpener = openPool
	}
	if d.MailerFactory == nil {
		d.MailerFactory = newMailer
	}
	if d.BotDetectorFactory == nil {
		d.BotDetectorFactory = newBotDetector
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
}
