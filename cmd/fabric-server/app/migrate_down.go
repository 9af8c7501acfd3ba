package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/datafabrix/fabric/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert database migrations",
	Long: `Revert the database migrations, dropping the fabric schema.
This is destructive; all registered sources and snapshots are lost.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, connString, err := loadMigrationConfig(cmd)
	if err != nil {
		return err
	}

	ok, err := confirmMigration(cmd, cfg, "revert migrations on")
	if err != nil || !ok {
		return err
	}

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(ctx); closeErr != nil {
			slog.Error("Error closing database connection", "error", closeErr)
		}
	}()

	slog.Info("Reverting database migrations")
	if err := database.MigrateDown(ctx, conn); err != nil {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}

	slog.Info("Migrations reverted successfully")
	return nil
}
