package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"

	"github.com/kihw/selfstart/internal/server/app"
	"github.com/kihw/selfstart/internal/server/config"
	"github.com/kihw/selfstart/internal/server/db"
	"github.com/kihw/selfstart/internal/server/db/sqlite"
	"github.com/kihw/selfstart/internal/server/engine/docker"
	"github.com/kihw/selfstart/internal/server/eventbus/memory"
	"github.com/kihw/selfstart/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("selfstartd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("selfstartd", flag.ExitOnError)
	var (
		listenAddr     = fs.String("listen", cfg.APIListenAddr, "api listen address")
		dbPath         = fs.String("db", cfg.DatabasePath, "sqlite database path (empty disables the durable mirror)")
		servicesFile   = fs.String("services", cfg.ServicesFile, "yaml service definition file")
		startupTimeout = fs.Duration("startup-timeout", cfg.StartupTimeout, "maximum time a workload may spend starting")
		idleTimeout    = fs.Duration("idle-timeout", cfg.IdleTimeout, "stop workloads idle for this long (0 disables)")
		discovery      = fs.Bool("discovery", cfg.DiscoveryEnabled, "scan the engine for labeled containers")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("SELFSTARTD")); err != nil {
		logger.Error("parse flags", "error", err)
		os.Exit(1)
	}
	cfg.APIListenAddr = *listenAddr
	cfg.DatabasePath = *dbPath
	cfg.ServicesFile = *servicesFile
	cfg.StartupTimeout = *startupTimeout
	cfg.IdleTimeout = *idleTimeout
	cfg.DiscoveryEnabled = *discovery

	services, err := config.LoadServices(cfg.ServicesFile)
	if err != nil {
		logger.Error("load services", "error", err)
		os.Exit(1)
	}

	eng, err := docker.New(ctx)
	if err != nil {
		logger.Error("connect container engine", "error", err)
		os.Exit(1)
	}

	var store db.Store
	if cfg.DatabasePath != "" {
		s, err := sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			logger.Error("open database", "error", err)
			os.Exit(1)
		}
		store = s
	}

	events := memory.New()

	application, err := app.New(ctx, cfg, logger, store, eng, events, services)
	if err != nil {
		logger.Error("initialize daemon", "error", err)
		os.Exit(1)
	}
	application.SeedServices(ctx, services)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
