package activation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kihw/selfstart/internal/server/engine"
	"github.com/kihw/selfstart/internal/server/eventbus"
)

// Params wires dependencies for the activation controller.
type Params struct {
	Logger *slog.Logger
	Engine engine.Client
	Bus    eventbus.Bus

	// Dependencies lists the configured services; the map holds one entry
	// per configured name, value being the services that must be RUNNING
	// before it may start.
	Dependencies map[string][]string

	// StartupTimeout bounds how long a workload may sit in STARTING before
	// the sweep declares it failed.
	StartupTimeout time.Duration
	// ReconcileWindow is the freshness window for cached engine state; at
	// most one inspect call per workload per window.
	ReconcileWindow time.Duration
	// ReconcileTimeout bounds the inspect call on the status path.
	ReconcileTimeout time.Duration
	// SweepInterval is the cadence of the startup-timeout sweep.
	SweepInterval time.Duration
}

// Controller owns one state machine per named workload and drives startup
// with single-flight and timeout guarantees.
type Controller struct {
	logger *slog.Logger
	engine engine.Client
	bus    eventbus.Bus

	deps             map[string][]string
	startupTimeout   time.Duration
	reconcileWindow  time.Duration
	reconcileTimeout time.Duration
	sweepInterval    time.Duration

	mu        sync.Mutex
	workloads map[string]*workload
}

type workload struct {
	mu sync.Mutex

	name         string
	status       Status
	dependencies []string

	startRequestedAt time.Time
	startupDeadline  time.Time
	lastError        string

	engineUnreachable bool
	lastReconcile     time.Time
	startedAt         time.Time
	lastActivity      time.Time
	hostPort          int

	// startGen invalidates the result of an in-flight engine start once the
	// cycle it belongs to has been closed (timeout or fresh request).
	startGen uint64
}

// New constructs the controller.
func New(params Params) (*Controller, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("activation: logger is required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("activation: engine client is required")
	}
	if params.StartupTimeout <= 0 {
		return nil, fmt.Errorf("activation: startup timeout must be positive")
	}
	if params.ReconcileWindow <= 0 {
		params.ReconcileWindow = time.Second
	}
	if params.ReconcileTimeout <= 0 {
		params.ReconcileTimeout = 500 * time.Millisecond
	}
	if params.SweepInterval <= 0 {
		params.SweepInterval = 5 * time.Second
	}
	deps := params.Dependencies
	if deps == nil {
		deps = map[string][]string{}
	}
	return &Controller{
		logger:           params.Logger.With("component", "activation"),
		engine:           params.Engine,
		bus:              params.Bus,
		deps:             deps,
		startupTimeout:   params.StartupTimeout,
		reconcileWindow:  params.ReconcileWindow,
		reconcileTimeout: params.ReconcileTimeout,
		sweepInterval:    params.SweepInterval,
		workloads:        make(map[string]*workload),
	}, nil
}

// Run drives the startup-timeout sweep until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// Configured reports whether the name appears in the static service list.
func (c *Controller) Configured(name string) bool {
	_, ok := c.deps[name]
	return ok
}

// Status returns the workload's current state, reconciling it against the
// engine at most once per freshness window. Workloads are created lazily on
// first sight.
func (c *Controller) Status(ctx context.Context, name string) Snapshot {
	w := c.getOrCreate(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	c.reconcileLocked(ctx, w)
	return w.snapshot()
}

// RequestStart opens a start cycle for the workload unless one is already in
// flight. When dependencies are not yet RUNNING they are started first and
// the workload itself is left untouched for this request.
func (c *Controller) RequestStart(ctx context.Context, name string) (StartOutcome, error) {
	w := c.getOrCreate(name)

	w.mu.Lock()
	if w.inFlight() {
		w.mu.Unlock()
		return OutcomeAlreadyStarting, nil
	}
	deps := w.dependencies
	w.mu.Unlock()

	if len(deps) > 0 {
		pending := false
		for _, dep := range deps {
			if dep == name {
				continue
			}
			snap := c.Status(ctx, dep)
			if snap.Status == StatusRunning {
				continue
			}
			pending = true
			if _, err := c.RequestStart(ctx, dep); err != nil {
				c.logger.Error("start dependency", "workload", name, "dependency", dep, "error", err)
			}
		}
		if pending {
			// dependency-first ordering: the caller retries and reaches the
			// workload itself once its dependencies report RUNNING
			return OutcomeAccepted, nil
		}
	}

	w.mu.Lock()
	// single-flight: the check is atomic with the transition
	if w.inFlight() {
		w.mu.Unlock()
		return OutcomeAlreadyStarting, nil
	}
	now := time.Now()
	w.status = StatusStarting
	w.startRequestedAt = now
	w.startupDeadline = now.Add(c.startupTimeout)
	w.lastError = ""
	w.startGen++
	gen := w.startGen
	w.mu.Unlock()

	c.publish(ctx, EventWorkloadStarting, name, StatusStarting, "start requested")
	go c.runStart(name, w, gen)
	return OutcomeAccepted, nil
}

// RequestStop synchronously stops the workload through the engine.
func (c *Controller) RequestStop(ctx context.Context, name string) (Snapshot, error) {
	w := c.getOrCreate(name)
	if err := c.engine.Stop(ctx, name); err != nil {
		return Snapshot{}, err
	}

	w.mu.Lock()
	w.status = StatusStopped
	w.startRequestedAt = time.Time{}
	w.startupDeadline = time.Time{}
	w.startGen++
	w.lastReconcile = time.Now()
	snap := w.snapshot()
	w.mu.Unlock()

	c.publish(ctx, EventWorkloadStopped, name, StatusStopped, "stop requested")
	return snap, nil
}

// TouchActivity records routed traffic for the inactivity reaper.
func (c *Controller) TouchActivity(name string) {
	c.mu.Lock()
	w, ok := c.workloads[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// List returns snapshots of all tracked workloads ordered by name.
func (c *Controller) List() []Snapshot {
	c.mu.Lock()
	all := make([]*workload, 0, len(c.workloads))
	for _, w := range c.workloads {
		all = append(all, w)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, w := range all {
		w.mu.Lock()
		out = append(out, w.snapshot())
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Controller) getOrCreate(name string) *workload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workloads[name]; ok {
		return w
	}
	w := &workload{
		name:         name,
		status:       StatusUnknown,
		dependencies: c.deps[name],
	}
	c.workloads[name] = w
	return w
}

// reconcileLocked refreshes engine-observed state. Called with w.mu held.
func (c *Controller) reconcileLocked(ctx context.Context, w *workload) {
	if time.Since(w.lastReconcile) < c.reconcileWindow {
		return
	}

	inspectCtx, cancel := context.WithTimeout(ctx, c.reconcileTimeout)
	info, err := c.engine.Inspect(inspectCtx, w.name)
	cancel()
	if err != nil {
		// transient: keep the cached status rather than flapping on a blip
		w.engineUnreachable = true
		w.lastReconcile = time.Now()
		c.logger.Warn("reconcile skipped", "workload", w.name, "error", err)
		return
	}

	w.engineUnreachable = false
	w.lastReconcile = time.Now()

	prev := w.status
	switch {
	case info.Running:
		w.status = StatusRunning
		w.startedAt = info.StartedAt
		w.hostPort = info.HostPort
		w.lastError = ""
		w.startRequestedAt = time.Time{}
		w.startupDeadline = time.Time{}
	case w.status == StatusStarting:
		// the engine may not reflect an in-flight start yet; the sweep or
		// the start call's own error handles failure
	case w.status == StatusError:
		// ERROR holds until a fresh start request; only an observed RUNNING
		// clears it
	case !info.Exists:
		w.status = StatusNotFound
	default:
		w.status = StatusStopped
		w.startedAt = time.Time{}
		w.hostPort = 0
	}

	if prev != w.status {
		switch w.status {
		case StatusRunning:
			c.publish(ctx, EventWorkloadRunning, w.name, StatusRunning, "workload running")
		case StatusStopped:
			if prev == StatusRunning {
				c.publish(ctx, EventWorkloadStopped, w.name, StatusStopped, "workload stopped externally")
			}
		}
	}
}

// runStart issues the engine start off the request path with its own bound.
func (c *Controller) runStart(name string, w *workload, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.startupTimeout)
	defer cancel()

	err := c.engine.Start(ctx, name)
	if err == nil {
		// stay STARTING; the next reconciliation observes RUNNING
		return
	}

	w.mu.Lock()
	stale := w.startGen != gen || w.status != StatusStarting
	if !stale {
		w.status = StatusError
		w.lastError = err.Error()
		w.startRequestedAt = time.Time{}
		w.startupDeadline = time.Time{}
	}
	w.mu.Unlock()

	if stale {
		// the cycle this start belonged to was already closed; drop the result
		c.logger.Debug("stale start result ignored", "workload", name, "error", err)
		return
	}
	c.logger.Error("engine start failed", "workload", name, "error", err)
	c.publish(context.Background(), EventWorkloadError, name, StatusError, err.Error())
}

// sweep moves workloads stuck in STARTING past their deadline to ERROR.
func (c *Controller) sweep(ctx context.Context) {
	c.mu.Lock()
	all := make([]*workload, 0, len(c.workloads))
	for _, w := range c.workloads {
		all = append(all, w)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, w := range all {
		w.mu.Lock()
		expired := w.status == StatusStarting && now.After(w.startupDeadline)
		if expired {
			w.status = StatusError
			w.lastError = "startup timeout"
			w.startRequestedAt = time.Time{}
			w.startupDeadline = time.Time{}
			w.startGen++
		}
		w.mu.Unlock()

		if expired {
			c.logger.Warn("startup timeout", "workload", w.name)
			c.publish(ctx, EventWorkloadError, w.name, StatusError, "startup timeout")
		}
	}
}

// snapshot must be called with w.mu held.
func (w *workload) snapshot() Snapshot {
	snap := Snapshot{
		Name:              w.name,
		Status:            w.status,
		LastError:         w.lastError,
		Dependencies:      w.dependencies,
		EngineUnreachable: w.engineUnreachable,
		HostPort:          w.hostPort,
	}
	if !w.startRequestedAt.IsZero() {
		t := w.startRequestedAt
		snap.StartRequestedAt = &t
	}
	if !w.startupDeadline.IsZero() {
		t := w.startupDeadline
		snap.StartupDeadline = &t
	}
	if !w.startedAt.IsZero() {
		t := w.startedAt
		snap.StartedAt = &t
	}
	if !w.lastActivity.IsZero() {
		t := w.lastActivity
		snap.LastActivityAt = &t
	}
	return snap
}

// inFlight must be called with w.mu held.
func (w *workload) inFlight() bool {
	return w.status == StatusStarting && time.Now().Before(w.startupDeadline)
}
