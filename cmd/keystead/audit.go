// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"context"
	"encoding/json"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/config"
	"github.com/keystead/keystead/internal/store"
)

const defaultAuditLimit = 50

// NewAuditCmd creates the audit command and its subcommands.
func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and prune the audit trail",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest audit entries as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAuditWriter(cmd, func(ctx context.Context, w *audit.PostgresWriter) error {
				entries, err := w.ListRecent(ctx, limit)
				if err != nil {
					return err
				}
				return printEntries(cmd, entries)
			})
		},
	}
	recent.Flags().IntVar(&limit, "limit", defaultAuditLimit, "maximum number of entries")
	cmd.AddCommand(recent)

	var accountLimit int
	account := &cobra.Command{
		Use:   "account ACCOUNT_ID",
		Short: "Print the newest audit entries for one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ulid.Parse(args[0])
			if err != nil {
				return oops.Code("INVALID_ACCOUNT_ID").With("input", args[0]).Wrap(err)
			}
			return withAuditWriter(cmd, func(ctx context.Context, w *audit.PostgresWriter) error {
				entries, err := w.ListByAccount(ctx, id, accountLimit)
				if err != nil {
					return err
				}
				return printEntries(cmd, entries)
			})
		},
	}
	account.Flags().IntVar(&accountLimit, "limit", defaultAuditLimit, "maximum number of entries")
	cmd.AddCommand(account)

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries past their retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return withAuditWriter(cmd, func(ctx context.Context, w *audit.PostgresWriter) error {
				worker := audit.NewRetentionWorker(retentionConfig(cfg.Audit), w)
				if err := worker.RunOnce(ctx); err != nil {
					return oops.Code("AUDIT_PURGE_FAILED").Wrap(err)
				}
				cmd.Println("Audit retention pass completed")
				return nil
			})
		},
	})

	return cmd
}

// withAuditWriter connects to the database and hands fn a writer used
// only for queries and purges.
func withAuditWriter(cmd *cobra.Command, fn func(context.Context, *audit.PostgresWriter) error) error {
	databaseURL, err := loadDatabaseURL(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	pool, err := openPool(ctx, store.PoolConfig{URL: databaseURL, MaxConns: 2})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer pool.Close()

	w := audit.NewPostgresWriter(pool)
	defer func() {
		_ = w.Close() //nolint:errcheck // Close only stops the batch consumer
	}()
	return fn(ctx, w)
}

func printEntries(cmd *cobra.Command, entries []audit.Entry) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return oops.Wrap(err)
		}
	}
	return nil
}
