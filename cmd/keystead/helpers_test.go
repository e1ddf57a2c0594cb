// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/keystead/keystead/internal/config"
	"github.com/keystead/keystead/internal/store"
)

var errOffline = errors.New("database offline")

// offlinePool fails every query. It is safe for concurrent use.
type offlinePool struct {
	pings  atomic.Int32
	closed atomic.Bool
}

func (p *offlinePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errOffline
}

func (p *offlinePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errOffline
}

func (p *offlinePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return offlineRow{}
}

func (p *offlinePool) Begin(context.Context) (pgx.Tx, error) {
	return nil, errOffline
}

func (p *offlinePool) Ping(context.Context) error {
	p.pings.Add(1)
	return nil
}

func (p *offlinePool) Close() { p.closed.Store(true) }

type offlineRow struct{}

func (offlineRow) Scan(...any) error { return errOffline }

// useOfflinePool points the one-shot commands at an offlinePool.
func useOfflinePool(t *testing.T) *offlinePool {
	t.Helper()
	pool := &offlinePool{}
	prev := openPool
	openPool = func(context.Context, store.PoolConfig) (Pool, error) { return pool, nil }
	t.Cleanup(func() { openPool = prev })
	return pool
}

// isolate keeps the loader away from the developer's own configuration
// and state directories and restores the default logger.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KEYSTEAD_DATABASE_URL", "")

	prevLogger := slog.Default()
	prevConfig := configFile
	t.Cleanup(func() {
		slog.SetDefault(prevLogger)
		configFile = prevConfig
	})
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func testKey(n int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, n))
}

// serveConfig returns a complete configuration for an offline server.
func serveConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			Addr:       "127.0.0.1:0",
			BaseURL:    "https://accounts.example.com/",
			SessionKey: testKey(32),
		},
		Database:  config.DatabaseConfig{URL: "postgres://keystead@localhost/keystead"},
		Log:       config.LogConfig{Format: "text", Level: "error"},
		SMTP:      config.SMTPConfig{DevMode: true},
		Recaptcha: config.RecaptchaConfig{Disabled: true, MinScore: 0.5},
		Crypto:    config.CryptoConfig{FieldKey: testKey(32)},
		Sweep:     config.SweepConfig{Interval: time.Hour},
		Audit: config.AuditConfig{
			RetainAlerts:  time.Hour,
			RetainRoutine: time.Hour,
			PurgeInterval: time.Hour,
		},
	}
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	return cmd, buf
}
