package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tenantguard.org/internal/migrate"
	"tenantguard.org/internal/obs"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Manage the database schema.

Migrations and seed files are embedded in the binary. Each applied file is
recorded so repeated runs are no-ops.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations, then seeds unless --no-seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			printNames(cmd, "applied", applied)
			if noSeed, _ := cmd.Flags().GetBool("no-seed"); noSeed {
				return nil
			}
			seeded, err := m.Seed(ctx)
			if err != nil {
				return err
			}
			printNames(cmd, "seeded", seeded)
			return nil
		})
	},
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply pending seed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
			seeded, err := m.Seed(ctx)
			if err != nil {
				return err
			}
			printNames(cmd, "seeded", seeded)
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		})
	},
}

func init() {
	migrateUpCmd.Flags().Bool("no-seed", false, "skip seed files")
	migrateCmd.AddCommand(migrateUpCmd, migrateSeedCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *migrate.Manager) error) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), migrate.NewManager(store.DB(), nil, migrate.WithLogger(obs.Logger())))
}

func printNames(cmd *cobra.Command, verb string, names []string) {
	if len(names) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: none pending\n", verb)
		return
	}
	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, name)
	}
}
