// Package reaper stops workloads that have seen no routed traffic for longer
// than the configured idle threshold.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/kihw/selfstart/internal/server/activation"
	"github.com/kihw/selfstart/internal/server/registry"
)

// Params wires the idle reaper.
type Params struct {
	Logger     *slog.Logger
	Controller *activation.Controller
	Registry   *registry.Registry

	// IdleTimeout is how long a RUNNING workload may go without routed
	// traffic before it is stopped. Zero disables the reaper.
	IdleTimeout time.Duration
	// MinUptime protects freshly started workloads from being reaped before
	// they have had a chance to serve anything.
	MinUptime time.Duration
	// SweepInterval is the cadence of the idle sweep.
	SweepInterval time.Duration
}

// Reaper periodically stops idle workloads.
type Reaper struct {
	logger     *slog.Logger
	controller *activation.Controller
	registry   *registry.Registry

	idleTimeout   time.Duration
	minUptime     time.Duration
	sweepInterval time.Duration
}

// New constructs the reaper. A nil reaper is returned when the idle timeout
// is zero; callers skip Run in that case.
func New(params Params) *Reaper {
	if params.IdleTimeout <= 0 {
		return nil
	}
	sweep := params.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	minUptime := params.MinUptime
	if minUptime <= 0 {
		minUptime = 5 * time.Minute
	}
	return &Reaper{
		logger:        params.Logger.With("component", "reaper"),
		controller:    params.Controller,
		registry:      params.Registry,
		idleTimeout:   params.IdleTimeout,
		minUptime:     minUptime,
		sweepInterval: sweep,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()
	for _, snap := range r.controller.List() {
		if snap.Status != activation.StatusRunning {
			continue
		}
		if snap.StartedAt != nil && now.Sub(*snap.StartedAt) < r.minUptime {
			continue
		}
		// a workload that never served traffic ages from its start time, so
		// it is not stopped immediately after activation
		last := snap.StartedAt
		if snap.LastActivityAt != nil {
			last = snap.LastActivityAt
		}
		if last == nil || now.Sub(*last) < r.idleTimeout {
			continue
		}
		if r.activeConnections(snap.Name) > 0 {
			continue
		}

		r.logger.Info("stopping idle workload", "workload", snap.Name, "idle", now.Sub(*last).Round(time.Second))
		if _, err := r.controller.RequestStop(ctx, snap.Name); err != nil {
			r.logger.Error("stop idle workload", "workload", snap.Name, "error", err)
		}
	}
}

// activeConnections sums the connection counts of the same-named target's
// backends, when one exists.
func (r *Reaper) activeConnections(name string) int64 {
	target, err := r.registry.Get(name)
	if err != nil {
		return 0
	}
	var total int64
	for _, b := range target.Backends {
		total += b.ActiveConnections
	}
	return total
}
