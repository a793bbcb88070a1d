// Package app wires the vectordb server: the table engine, its archive
// tier, the admin HTTP API and the gRPC health service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	httpapi "github.com/arkilian/vectordb/internal/api/http"
	"github.com/arkilian/vectordb/internal/config"
	"github.com/arkilian/vectordb/internal/engine"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/server"
	"github.com/arkilian/vectordb/internal/storage"
)

// App manages the server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	engine   *engine.Engine
	shutdown *server.ShutdownManager
	health   *server.HealthServer

	mu      sync.Mutex
	running bool
}

// New validates cfg and creates its directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg, logger: NewLogger(cfg)}, nil
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return logging.NewJSONLogger(os.Stderr, level)
	}
	return logging.NewTextLogger(os.Stderr, level)
}

// Engine returns the running engine, or nil before Start.
func (a *App) Engine() *engine.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

// Start opens the engine and starts serving.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	archive, err := storage.Open(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	a.logger.Info("app: archive tier", "type", a.cfg.Storage.Type)

	eng, err := engine.Open(a.cfg.Engine(), engine.WithLogger(a.logger), engine.WithArchive(archive))
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		eng.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{ShutdownTimeout: a.cfg.ShutdownTimeout}, a.logger)
	// Closed last, after the servers stop taking requests
	a.shutdown.RegisterCloser("engine", eng)

	if a.cfg.GRPC.Enabled {
		hs, err := server.NewHealthServer(a.cfg.GRPC.Addr, a.logger)
		if err != nil {
			eng.Close()
			return err
		}
		a.shutdown.RegisterCloser("grpc", hs)
		a.shutdown.OnShutdownStart(func() { hs.SetServing(false) })
		hs.Serve()
		hs.SetServing(true)
		a.health = hs
	}

	admin := httpapi.NewAdminHandler(eng, func() bool { return !a.shutdown.IsShuttingDown() }, a.logger)
	a.shutdown.ServeHTTP("http", &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      admin.Router(server.ShutdownMiddleware(a.shutdown)),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	})

	a.engine = eng
	a.running = true
	a.logger.Info("app: started", "data_dir", a.cfg.DataDir, "http", a.cfg.HTTP.Addr, "grpc_enabled", a.cfg.GRPC.Enabled)
	return nil
}

// Stop drains requests, stops the servers and closes the engine.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	sm := a.shutdown
	a.mu.Unlock()

	return sm.Shutdown(ctx, "stop requested")
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends,
// then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	a.mu.Lock()
	sm := a.shutdown
	a.mu.Unlock()
	if sm == nil {
		return fmt.Errorf("app is not running")
	}
	err := sm.ListenForSignals(ctx)

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return err
}
