package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/datafabrix/fabric/database"
	"github.com/datafabrix/fabric/internal/config"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
This command reads the database connection parameters from the config file.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, connString, err := loadMigrationConfig(cmd)
	if err != nil {
		return err
	}

	ok, err := confirmMigration(cmd, cfg, "apply migrations to")
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

	slog.Info("Applying database migrations")
	if err := database.MigrateUp(ctx, conn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := database.GetVersion(connString)
	switch {
	case err != nil:
		slog.Warn("Unable to get migration version", "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state", "version", version)
	default:
		slog.Info("Migrations applied successfully", "version", version)
	}
	return nil
}

// loadMigrationConfig reads the config flag and builds the connection string
func loadMigrationConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return nil, "", fmt.Errorf("database configuration is required")
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}
	return cfg, connString, nil
}

// confirmMigration prompts unless --yes was passed. Returns false when
// the user declined.
func confirmMigration(cmd *cobra.Command, cfg *config.Config, action string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	slog.Info(fmt.Sprintf("About to %s database", action),
		"user", cfg.Database.User,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Database)
	fmt.Print("Continue? (yes/no): ")
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	if response != "yes" && response != "y" {
		slog.Info("Migration cancelled by user")
		return false, nil
	}
	return true, nil
}
