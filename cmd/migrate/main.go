package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply the agentgate PostgreSQL schema",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), storage.MigrateUp)
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), storage.MigrateDown)
	},
}

var (
	dsn   string
	steps int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	rootCmd.PersistentFlags().IntVar(&steps, "steps", 0, "number of migrations to run (0 = all)")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, direction storage.MigrationDirection) error {
	if dsn == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	ran, err := storage.Migrate(ctx, pool, direction, steps)
	for _, version := range ran {
		fmt.Printf("Applied migration: %s (%s)\n", version, direction)
	}
	if err != nil {
		return err
	}

	if len(ran) == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", len(ran))
	}
	return nil
}
