package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"secondbrain/api/internal/log"
	"secondbrain/api/internal/store"
)

var migrateStatusOnly bool

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "only print which migrations are applied")
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx := cmd.Context()

	db, err := store.OpenWithRetry(ctx, cfg.DatabaseURL, store.RetryOptions{
		Attempts: cfg.DBConnectAttempts,
		Logger:   log.New("db"),
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	fsys := os.DirFS(cfg.MigrationsDir)
	if !migrateStatusOnly {
		applied, err := store.ApplyMigrationsFS(ctx, db, fsys)
		for _, version := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
		}
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	migrations, err := store.MigrationStatus(ctx, db, fsys)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tAPPLIED AT")
	for _, m := range migrations {
		applied := "pending"
		if m.AppliedAt != nil {
			applied = m.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\n", m.Version, applied)
	}
	return w.Flush()
}
