// Package app provides application lifecycle management for the fabric
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/datafabrix/fabric/internal/config"
	"github.com/datafabrix/fabric/internal/health"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
	"github.com/datafabrix/fabric/internal/service"
	"github.com/datafabrix/fabric/internal/store"
)

// FabricApp encapsulates all components needed to run the fabric server.
// It provides lifecycle management and graceful shutdown.
type FabricApp struct {
	config       *config.Config
	store        store.Store
	catalog      *registry.Registry
	pools        *pool.Manager
	monitor      *health.Monitor
	introspector *introspect.Introspector
	service      service.FabricService
	httpServer   *http.Server

	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start launches the background loops and the HTTP server. Each loop
// gets its own registry event subscription so one slow consumer never
// blocks the others. Blocks until the HTTP server stops.
func (app *FabricApp) Start() error {
	go app.pools.Run(app.ctx, app.catalog.Subscribe())
	go app.monitor.Run(app.ctx, app.catalog.Subscribe())
	go app.introspector.Run(app.ctx, app.catalog.Subscribe())

	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the application with the given timeout: the
// HTTP server drains first, then the background loops, then storage.
func (app *FabricApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := app.httpServer.Shutdown(shutdownCtx)

	app.monitor.Stop()
	app.pools.Stop()

	if app.cancelFunc != nil {
		app.cancelFunc()
	}
	app.store.Close()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	slog.Info("Server shutdown complete")
	return nil
}

// Service returns the fabric service (useful for testing)
func (app *FabricApp) Service() service.FabricService {
	return app.service
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *FabricApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
