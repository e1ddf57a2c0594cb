// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keystead/keystead/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Keystead CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystead",
		Short: "Keystead - account credentials and session integrity",
		Long: `Keystead runs account registration with emailed one-time codes,
password login with single-session enforcement, password rotation
policy and token based password reset behind a JSON API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/keystead/keystead.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSweepCmd())
	cmd.AddCommand(NewAuditCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// loadConfig reads and validates configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDatabaseURL reads configuration for commands that only talk to
// the database, so they run without mail or cookie secrets.
func loadDatabaseURL(cmd *cobra.Command) (string, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return "", err
	}
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("key", "database.url").
			Errorf("database url is required (set database.url, --database-url or DATABASE_URL)")
	}
	return cfg.Database.URL, nil
}
