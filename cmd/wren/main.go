// Command wren runs the federation server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/deliverer"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/inbox"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/media"
	"github.com/wrenfed/wren/internal/scheduler"
	"github.com/wrenfed/wren/internal/server"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("starting wren",
		"version", config.Version,
		"instance", cfg.InstanceURI,
		"federation", cfg.Federation.Enabled,
	)

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	instanceKey, err := keys.LoadOrGenerateInstanceKey(cfg.StorageDir)
	if err != nil {
		slog.Error("failed to load instance key", "error", err)
		os.Exit(1)
	}

	mediaStore, err := media.New(cfg.StorageDir)
	if err != nil {
		slog.Error("failed to initialize media storage", "error", err)
		os.Exit(1)
	}

	f := fetcher.New(cfg, store, instanceKey)
	d := deliverer.New(cfg, store, f, instanceKey)
	receiver := inbox.New(cfg, store, f, d)
	srv := server.New(cfg, store, receiver, f, mediaStore, instanceKey)
	sched := scheduler.New(cfg, store, f, d, receiver, mediaStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	if err := srv.Start(ctx); err != nil {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
