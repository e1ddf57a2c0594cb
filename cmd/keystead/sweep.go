// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/internal/store"
)

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired one-time codes and reset tokens once",
		Long: `Run a single cleanup pass: expired or used OTP challenges, issuance
ledger rows outside the rate-limit window and dead reset tokens are
deleted. "keystead serve" runs the same pass on an interval.`,
		Args: cobra.NoArgs,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
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

	tokens, err := newTokenIssuers(pool)
	if err != nil {
		return err
	}
	sweeper, err := auth.NewSweeper(tokens.otp, tokens.resets, 0)
	if err != nil {
		return err
	}

	cmd.Println("Sweeping expired tokens...")
	if err := sweeper.RunOnce(ctx); err != nil {
		return oops.Code("SWEEP_FAILED").Wrap(err)
	}
	cmd.Println("Sweep completed")
	return nil
}
