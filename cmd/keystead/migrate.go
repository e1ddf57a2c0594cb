// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keystead/keystead/internal/store"
)

// Migrator is the part of store.Migrator the migrate commands drive.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (store.MigrationStatus, error)
	Close() error
}

// migratorFactory opens a Migrator. Tests replace it.
var migratorFactory = func(databaseURL string) (Migrator, error) {
	m, err := store.NewMigrator(databaseURL)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMigrateCmd creates the migrate command and its subcommands. Without
// a subcommand it applies every pending migration.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply, roll back or inspect the embedded PostgreSQL schema migrations.`,
		RunE:  runMigrateUp,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrateUp,
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the most recent migration, or --steps of them. --all drops
every Keystead table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return oops.Wrap(err)
			}
			return withMigrator(cmd, func(m Migrator) error {
				if all {
					cmd.Println("Rolling back all migrations...")
					return m.Down()
				}
				if steps < 1 {
					return oops.Code("INVALID_STEPS").Errorf("--steps must be at least 1, got %d", steps)
				}
				cmd.Printf("Rolling back %d migration(s)...\n", steps)
				return m.Steps(-steps)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	down.Flags().Bool("all", false, "roll back every migration")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:     "version",
		Aliases: []string{"status"},
		Short:   "Show the applied migration version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m Migrator) error {
				status, err := m.Status()
				if err != nil {
					return err
				}
				printStatus(cmd, status)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied and clear the dirty flag",
		Long: `Record VERSION as the applied migration without running anything.
Use it after repairing a migration that failed halfway.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m Migrator) error {
				if err := m.Force(version); err != nil {
					return err
				}
				cmd.Printf("Forced version %d\n", version)
				return nil
			})
		},
	})

	return cmd
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	return withMigrator(cmd, func(m Migrator) error {
		cmd.Println("Running migrations...")
		if err := m.Up(); err != nil {
			return err
		}
		status, err := m.Status()
		if err != nil {
			return err
		}
		cmd.Println("Migrations completed successfully")
		printStatus(cmd, status)
		return nil
	})
}

// withMigrator opens a migrator from configuration, runs fn and closes it.
func withMigrator(cmd *cobra.Command, fn func(Migrator) error) (err error) {
	databaseURL, err := loadDatabaseURL(cmd)
	if err != nil {
		return err
	}
	m, err := migratorFactory(databaseURL)
	if err != nil {
		return oops.With("operation", "open migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(m)
}

func printStatus(cmd *cobra.Command, status store.MigrationStatus) {
	name := status.Name
	if name == "" {
		name = "none"
	}
	cmd.Printf("Version: %d (%s)\n", status.Version, name)
	if status.Dirty {
		cmd.Println("Dirty: yes, repair the schema and run 'keystead migrate force VERSION'")
	}
	if len(status.Pending) == 0 {
		cmd.Println("Pending: none")
		return
	}
	cmd.Printf("Pending: %v\n", status.Pending)
}

// parseForceVersion parses the force argument. Negative versions are left
// for the migrator to reject.
func parseForceVersion(arg string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(arg, "%d", &version); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", arg).Wrapf(err, "version must be an integer")
	}
	return version, nil
}
