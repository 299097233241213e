package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opengrid/requestor/internal/api"
	"github.com/opengrid/requestor/internal/config"
	"github.com/opengrid/requestor/internal/database"
	"github.com/opengrid/requestor/internal/marketplace"
	"github.com/opengrid/requestor/internal/resource"
	"github.com/opengrid/requestor/internal/task/envs"
	"github.com/opengrid/requestor/internal/task/manager"
	"github.com/opengrid/requestor/internal/task/model"
	"github.com/opengrid/requestor/internal/task/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	slog.Info("configuration loaded",
		"db_driver", cfg.Database.Driver,
		"server_port", cfg.Server.Port,
		"root_dir", cfg.Requestor.RootDir,
		"storage_type", cfg.Storage.Type,
	)

	publicKey, err := cfg.Requestor.PublicKey()
	if err != nil {
		log.Fatalf("failed to decode requestor public key: %v", err)
	}

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	taskStore, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create task store: %v", err)
	}

	// Register the configured execution environments
	envManager := envs.NewManager()
	for envID, addr := range cfg.Requestor.Environments {
		envManager.Register(
			envs.NewExternalEnvironment(model.EnvID(envID), addr),
			envs.DefaultPayloadBuilder{},
		)
		slog.Info("environment registered", "envID", envID, "addr", addr)
	}

	// Per-app environment prerequisites from configuration
	prereqs := make(map[model.AppID]map[string]string, len(cfg.Requestor.AppPrerequisites))
	for appID, raw := range cfg.Requestor.AppPrerequisites {
		prereqs[model.AppID(appID)] = raw
	}

	taskManager, err := manager.New(taskStore, envManager, publicKey, cfg.Requestor.RootDir,
		manager.WithRegisterer(prometheus.DefaultRegisterer),
		manager.WithAppPrerequisites(prereqs),
	)
	if err != nil {
		log.Fatalf("failed to create task manager: %v", err)
	}

	// Resource staging backend
	storageDriver, err := resource.NewDriverFromConfig(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("failed to create storage driver: %v", err)
	}
	staging := resource.NewStaging(storageDriver)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(taskManager, taskStore, marketplace.NewPool(), staging, db).
			Router(cfg.Server.APIToken),
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		slog.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	// Wait for interrupt signal
	<-quit
	slog.Info("shutting down server...")

	// Create a context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown of HTTP server
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	} else {
		slog.Info("server gracefully stopped")
	}

	// Shut down all app clients before the database goes away
	if err := taskManager.Quit(ctx); err != nil {
		slog.Error("failed to shut down app clients", "error", err)
	} else {
		slog.Info("app clients stopped")
	}

	slog.Info("requestor stopped")
}
