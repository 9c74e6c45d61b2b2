// Package app wires configuration, persistence, the activation controller,
// the registry, and the HTTP transport into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kihw/selfstart/internal/server/activation"
	"github.com/kihw/selfstart/internal/server/config"
	"github.com/kihw/selfstart/internal/server/db"
	"github.com/kihw/selfstart/internal/server/discovery"
	"github.com/kihw/selfstart/internal/server/engine"
	"github.com/kihw/selfstart/internal/server/eventbus"
	"github.com/kihw/selfstart/internal/server/httpapi"
	"github.com/kihw/selfstart/internal/server/prober"
	"github.com/kihw/selfstart/internal/server/reaper"
	"github.com/kihw/selfstart/internal/server/registry"
	"github.com/kihw/selfstart/internal/server/routing"
)

// App is the assembled daemon.
type App struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	store  db.Store
	engine engine.Client

	controller *activation.Controller
	registry   *registry.Registry
	prober     *prober.Prober
	scanner    *discovery.Scanner
	reaper     *reaper.Reaper

	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon. The store may be nil to run without the durable
// target mirror.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, store db.Store, eng engine.Client, bus eventbus.Bus, services []config.Service) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine client must not be nil")
	}

	deps := make(map[string][]string, len(services))
	for _, svc := range services {
		deps[svc.Name] = svc.Dependencies
	}

	controller, err := activation.New(activation.Params{
		Logger:           logger,
		Engine:           eng,
		Bus:              bus,
		Dependencies:     deps,
		StartupTimeout:   cfg.StartupTimeout,
		ReconcileWindow:  cfg.ReconcileWindow,
		ReconcileTimeout: cfg.ReconcileTimeout,
		SweepInterval:    cfg.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build activation controller: %w", err)
	}

	reg, err := registry.New(registry.Params{Logger: logger, Store: store, Bus: bus})
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	if store != nil {
		if err := reg.Load(ctx); err != nil {
			return nil, fmt.Errorf("load registry mirror: %w", err)
		}
	}

	hp := prober.New(logger, reg)
	router := routing.New(logger, controller, reg)

	app := &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		engine:       eng,
		controller:   controller,
		registry:     reg,
		prober:       hp,
		shutdownWait: 15 * time.Second,
	}

	if cfg.DiscoveryEnabled {
		app.scanner = discovery.New(discovery.Params{
			Logger:   logger,
			Engine:   eng,
			Registry: reg,
			Interval: cfg.DiscoveryInterval,
		})
	}
	app.reaper = reaper.New(reaper.Params{
		Logger:      logger,
		Controller:  controller,
		Registry:    reg,
		IdleTimeout: cfg.IdleTimeout,
		MinUptime:   cfg.MinUptime,
	})

	handler := httpapi.New(httpapi.Params{
		Logger:     logger,
		Router:     router,
		Controller: controller,
		Registry:   reg,
		Prober:     hp,
		Bus:        bus,
	})
	app.httpServer = &http.Server{
		Addr:         cfg.APIListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return app, nil
}

// Run starts the background loops and HTTP server, blocking until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Debug("loop started", "loop", name)
			fn(loopCtx)
		}()
	}

	run("activation-sweep", a.controller.Run)
	run("prober", a.prober.Run)
	if a.scanner != nil {
		run("discovery", a.scanner.Run)
	}
	if a.reaper != nil {
		run("reaper", a.reaper.Run)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		cancelLoops()
		wg.Wait()
		if a.store != nil {
			if err := a.store.Close(shutdownCtx); err != nil {
				a.logger.Error("store close", "error", err)
			}
		}
		return ctx.Err()
	case err := <-errCh:
		cancelLoops()
		wg.Wait()
		return err
	}
}

// SeedServices mirrors the static service list into the registry so every
// configured workload has a routable target from boot. Existing operator
// state wins; seeding only fills gaps. A backend is attached when the engine
// already knows the container's published port.
func (a *App) SeedServices(ctx context.Context, services []config.Service) {
	for _, svc := range services {
		if _, err := a.registry.Get(svc.Name); err == nil {
			continue
		}
		spec := registry.TargetSpec{
			Name:    svc.Name,
			Enabled: true,
		}
		if info, err := a.engine.Inspect(ctx, svc.Name); err == nil && info.HostPort > 0 {
			hc := svc.Resolved(a.cfg.HealthDefaults)
			spec.Backends = append(spec.Backends, registry.BackendSpec{
				Address:             net.JoinHostPort("127.0.0.1", strconv.Itoa(info.HostPort)),
				HealthCheckPath:     hc.Path,
				HealthCheckInterval: hc.Interval,
				HealthCheckTimeout:  hc.Timeout,
			})
		}
		if _, err := a.registry.CreateTarget(ctx, spec); err != nil {
			a.logger.Warn("seed target", "target", svc.Name, "error", err)
		}
	}
}
