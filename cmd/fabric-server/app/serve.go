package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datafabrix/fabric/internal/app"
	"github.com/datafabrix/fabric/internal/config"
	"github.com/datafabrix/fabric/internal/telemetry"
	"github.com/datafabrix/fabric/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fabric server",
	Long: `Start the fabric server.

The server requires a configuration file (--config) that specifies:
- The storage backend (file or postgres)
- Pool, health, discovery, introspection, and federation settings
- Optional seed sources registered at startup

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides the configuration)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return fmt.Errorf("failed to get address flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Configuration loaded",
		"path", configPath,
		"storage", cfg.GetStorageType(),
		"seed_sources", len(cfg.Sources))

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: versions.GetVersionInfo().Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	appOpts := []app.FabricAppOption{
		app.WithConfig(cfg),
		app.WithMeterProvider(tel.MeterProvider()),
	}
	if address != "" {
		appOpts = append(appOpts, app.WithAddress(address))
	}

	fabricApp, err := app.NewFabricApp(ctx, appOpts...)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fabricApp.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	return fabricApp.Stop(cfg.GetShutdownTimeout())
}
