package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kihw/selfstart/internal/server/db"
	"github.com/kihw/selfstart/internal/server/eventbus"
)

// Params wires dependencies for the registry.
type Params struct {
	Logger *slog.Logger
	// Store is the optional durable mirror. When nil the registry is
	// memory-only and topology does not survive a restart.
	Store db.Store
	Bus   eventbus.Bus
}

// Registry owns the mapping from logical service names to backend sets. All
// structural mutation goes through it; the prober only flips health and
// counters via ReportProbe.
type Registry struct {
	logger *slog.Logger
	store  db.Store
	bus    eventbus.Bus

	mu      sync.RWMutex
	targets map[string]*targetState
}

type targetState struct {
	mu sync.Mutex

	name             string
	rule             Rule
	enabled          bool
	sticky           bool
	breakerThreshold int
	tlsEnabled       bool
	discovered       bool

	backends  []*backendState
	rrCursor  int
	wrrCursor int
	// assignments maps client keys to backend addresses for sticky sessions.
	assignments map[string]string
}

type backendState struct {
	address        string
	weight         int
	maxConnections int64

	healthCheckPath     string
	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration

	// guarded by the owning target's mutex
	health    Health
	failures  int
	successes int

	active atomic.Int64
}

// New constructs the registry.
func New(params Params) (*Registry, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("registry: logger is required")
	}
	return &Registry{
		logger:  params.Logger.With("component", "registry"),
		store:   params.Store,
		bus:     params.Bus,
		targets: make(map[string]*targetState),
	}, nil
}

// Load hydrates the in-memory registry from the durable mirror. Backends come
// back with UNKNOWN health and take traffic until the first probe says
// otherwise.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Queries().Targets().List(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		backends, err := r.store.Queries().Backends().ListByTarget(ctx, rec.Name)
		if err != nil {
			return fmt.Errorf("load backends for %s: %w", rec.Name, err)
		}
		state := &targetState{
			name:             rec.Name,
			rule:             Rule(rec.Rule),
			enabled:          rec.Enabled,
			sticky:           rec.StickySessions,
			breakerThreshold: rec.CircuitBreakerThreshold,
			tlsEnabled:       rec.TLSEnabled,
			discovered:       rec.Discovered,
			assignments:      make(map[string]string),
		}
		for _, b := range backends {
			state.backends = append(state.backends, &backendState{
				address:             b.Address,
				weight:              b.Weight,
				maxConnections:      b.MaxConnections,
				healthCheckPath:     b.HealthCheckPath,
				healthCheckInterval: b.HealthCheckInterval,
				healthCheckTimeout:  b.HealthCheckTimeout,
				health:              HealthUnknown,
			})
		}
		r.targets[rec.Name] = state
	}
	r.logger.Info("registry loaded from mirror", "targets", len(records))
	return nil
}

// CreateTarget registers a new target with its initial backend set.
func (r *Registry) CreateTarget(ctx context.Context, spec TargetSpec) (Target, error) {
	if err := validateTargetSpec(spec); err != nil {
		return Target{}, err
	}
	spec = applyTargetDefaults(spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[spec.Name]; exists {
		return Target{}, fmt.Errorf("%w: %s", ErrTargetExists, spec.Name)
	}

	if err := r.mirrorTarget(ctx, spec); err != nil {
		return Target{}, err
	}

	state := &targetState{
		name:             spec.Name,
		rule:             spec.Rule,
		enabled:          spec.Enabled,
		sticky:           spec.StickySessions,
		breakerThreshold: spec.CircuitBreakerThreshold,
		tlsEnabled:       spec.TLSEnabled,
		discovered:       spec.Discovered,
		assignments:      make(map[string]string),
	}
	for _, b := range spec.Backends {
		state.backends = append(state.backends, newBackendState(b))
	}
	r.targets[spec.Name] = state

	snapshot := state.lockedSnapshot()
	r.publish(ctx, EventTargetCreated, snapshot.Name, "", "")
	return snapshot, nil
}

// UpsertDiscovered creates or refreshes a discovery-managed target. Targets
// created by operators are left alone.
func (r *Registry) UpsertDiscovered(ctx context.Context, spec TargetSpec) (Target, error) {
	spec.Discovered = true
	if err := validateTargetSpec(spec); err != nil {
		return Target{}, err
	}
	spec = applyTargetDefaults(spec)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.targets[spec.Name]
	if ok && !existing.discovered {
		return existing.lockedSnapshot(), nil
	}

	if err := r.mirrorTarget(ctx, spec); err != nil {
		return Target{}, err
	}

	state := &targetState{
		name:             spec.Name,
		rule:             spec.Rule,
		enabled:          spec.Enabled,
		sticky:           spec.StickySessions,
		breakerThreshold: spec.CircuitBreakerThreshold,
		tlsEnabled:       spec.TLSEnabled,
		discovered:       true,
		assignments:      make(map[string]string),
	}
	if ok {
		existing.mu.Lock()
	}
	for _, b := range spec.Backends {
		bs := newBackendState(b)
		if ok {
			// carry probe state over so rediscovery does not reset health
			if prior := existing.findBackend(b.Address); prior != nil {
				bs.health = prior.health
				bs.failures = prior.failures
				bs.successes = prior.successes
			}
		}
		state.backends = append(state.backends, bs)
	}
	if ok {
		existing.mu.Unlock()
	}
	r.targets[spec.Name] = state
	return state.lockedSnapshot(), nil
}

// PruneDiscovered removes discovery-managed targets that are no longer
// present in the engine, identified by name.
func (r *Registry) PruneDiscovered(ctx context.Context, keep map[string]struct{}) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, state := range r.targets {
		if !state.discovered {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		if err := r.unmirrorTarget(ctx, name); err != nil {
			r.logger.Warn("prune mirror", "target", name, "error", err)
			continue
		}
		delete(r.targets, name)
		removed = append(removed, name)
		r.publish(ctx, EventTargetDeleted, name, "", "")
	}
	return removed
}

// DeleteTarget removes a target entirely. Deleting a nonexistent target is an
// explicit error surfaced to the caller.
func (r *Registry) DeleteTarget(ctx context.Context, name string) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.targets[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrTargetNotFound, name)
	}
	if err := r.unmirrorTarget(ctx, name); err != nil {
		return Target{}, err
	}
	snapshot := state.lockedSnapshot()
	delete(r.targets, name)
	r.publish(ctx, EventTargetDeleted, name, "", "")
	return snapshot, nil
}

// ToggleTarget enables or disables resolution for a target. Idempotent.
func (r *Registry) ToggleTarget(ctx context.Context, name string, enabled bool) (Target, error) {
	state, err := r.lookup(name)
	if err != nil {
		return Target{}, err
	}

	state.mu.Lock()
	state.enabled = enabled
	snapshot := state.snapshot()
	state.mu.Unlock()

	if r.store != nil {
		if err := r.store.Queries().Targets().SetEnabled(ctx, name, enabled); err != nil {
			r.logger.Warn("mirror toggle", "target", name, "error", err)
		}
	}
	r.publish(ctx, EventTargetUpdated, name, "", "")
	return snapshot, nil
}

// AddBackend appends a backend to a target.
func (r *Registry) AddBackend(ctx context.Context, name string, spec BackendSpec) (Target, error) {
	if err := validateBackendSpec(spec); err != nil {
		return Target{}, err
	}
	state, err := r.lookup(name)
	if err != nil {
		return Target{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.findBackend(spec.Address) != nil {
		return Target{}, fmt.Errorf("%w: %s", ErrBackendExists, spec.Address)
	}
	if r.store != nil {
		if err := r.store.Queries().Backends().Upsert(ctx, backendRecord(name, applyBackendDefaults(spec))); err != nil {
			return Target{}, fmt.Errorf("mirror backend: %w", err)
		}
	}
	state.backends = append(state.backends, newBackendState(spec))
	snapshot := state.snapshot()
	r.publish(ctx, EventTargetUpdated, name, spec.Address, "")
	return snapshot, nil
}

// RemoveBackend drops a backend from a target. Removing the last backend
// leaves a valid target that resolves to none.
func (r *Registry) RemoveBackend(ctx context.Context, name, address string) (Target, error) {
	state, err := r.lookup(name)
	if err != nil {
		return Target{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	idx := -1
	for i, b := range state.backends {
		if b.address == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Target{}, fmt.Errorf("%w: %s", ErrBackendNotFound, address)
	}
	if r.store != nil {
		if err := r.store.Queries().Backends().Delete(ctx, name, address); err != nil {
			return Target{}, fmt.Errorf("mirror backend delete: %w", err)
		}
	}
	state.backends = append(state.backends[:idx], state.backends[idx+1:]...)
	for key, assigned := range state.assignments {
		if assigned == address {
			delete(state.assignments, key)
		}
	}
	snapshot := state.snapshot()
	r.publish(ctx, EventTargetUpdated, name, address, "")
	return snapshot, nil
}

// SetMaintenance places a backend in or out of administrative maintenance.
// Idempotent; leaving maintenance returns the backend to UNKNOWN so the
// prober re-establishes its health from scratch.
func (r *Registry) SetMaintenance(ctx context.Context, name, address string, maintenance bool) (Target, error) {
	state, err := r.lookup(name)
	if err != nil {
		return Target{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	backend := state.findBackend(address)
	if backend == nil {
		return Target{}, fmt.Errorf("%w: %s", ErrBackendNotFound, address)
	}
	switch {
	case maintenance && backend.health != HealthMaintenance:
		backend.health = HealthMaintenance
		backend.failures = 0
		backend.successes = 0
	case !maintenance && backend.health == HealthMaintenance:
		backend.health = HealthUnknown
	}
	snapshot := state.snapshot()
	r.publish(ctx, EventBackendHealth, name, address, backend.health)
	return snapshot, nil
}

// Get returns a snapshot of one target.
func (r *Registry) Get(name string) (Target, error) {
	state, err := r.lookup(name)
	if err != nil {
		return Target{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshot(), nil
}

// List returns snapshots of all targets ordered by name.
func (r *Registry) List() []Target {
	r.mu.RLock()
	states := make([]*targetState, 0, len(r.targets))
	for _, state := range r.targets {
		states = append(states, state)
	}
	r.mu.RUnlock()

	out := make([]Target, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		out = append(out, state.snapshot())
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve selects a backend address for the target under its balancing rule.
// The returned release function must be called when the proxied connection
// completes; it decrements the active-connection count exactly once.
func (r *Registry) Resolve(name, clientKey string) (string, func(), bool) {
	r.mu.RLock()
	state, ok := r.targets[name]
	r.mu.RUnlock()
	if !ok {
		return "", nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.enabled {
		return "", nil, false
	}

	eligible := state.eligibleBackends()
	if len(eligible) == 0 {
		return "", nil, false
	}

	var selected *backendState
	if state.sticky && clientKey != "" {
		if prior, ok := state.assignments[clientKey]; ok {
			for _, b := range eligible {
				if b.address == prior {
					selected = b
					break
				}
			}
			if selected == nil {
				delete(state.assignments, clientKey)
			}
		}
	}
	if selected == nil {
		selected = state.selectBackend(eligible, clientKey)
	}
	if selected == nil {
		return "", nil, false
	}
	if state.sticky && clientKey != "" {
		state.assignments[clientKey] = selected.address
	}

	selected.active.Add(1)
	var once sync.Once
	release := func() {
		once.Do(func() { selected.active.Add(-1) })
	}
	return selected.address, release, true
}

// ReportProbe records one probe outcome for a backend and applies the
// debounce and circuit-breaker transitions. MAINTENANCE is never overwritten.
func (r *Registry) ReportProbe(ctx context.Context, name, address string, healthy bool) (Health, error) {
	state, err := r.lookup(name)
	if err != nil {
		return "", err
	}

	state.mu.Lock()
	backend := state.findBackend(address)
	if backend == nil {
		state.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrBackendNotFound, address)
	}
	if backend.health == HealthMaintenance {
		health := backend.health
		state.mu.Unlock()
		return health, nil
	}

	before := backend.health
	if healthy {
		backend.successes++
		backend.failures = 0
		if backend.successes >= healthyDebounce {
			backend.health = HealthHealthy
		}
	} else {
		backend.failures++
		backend.successes = 0
		if backend.failures >= state.breakerThreshold {
			backend.health = HealthUnhealthy
		}
	}
	after := backend.health
	state.mu.Unlock()

	if before != after {
		r.logger.Info("backend health changed",
			"target", name, "backend", address, "from", string(before), "to", string(after))
		r.publish(ctx, EventBackendHealth, name, address, after)
	}
	return after, nil
}

func (r *Registry) lookup(name string) (*targetState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, name)
	}
	return state, nil
}

func (r *Registry) mirrorTarget(ctx context.Context, spec TargetSpec) error {
	if r.store == nil {
		return nil
	}
	err := r.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.Targets().Upsert(ctx, db.TargetRecord{
			Name:                    spec.Name,
			Rule:                    string(spec.Rule),
			Enabled:                 spec.Enabled,
			StickySessions:          spec.StickySessions,
			CircuitBreakerThreshold: spec.CircuitBreakerThreshold,
			TLSEnabled:              spec.TLSEnabled,
			Discovered:              spec.Discovered,
		}); err != nil {
			return err
		}
		if err := q.Backends().DeleteByTarget(ctx, spec.Name); err != nil {
			return err
		}
		for _, b := range spec.Backends {
			if err := q.Backends().Upsert(ctx, backendRecord(spec.Name, applyBackendDefaults(b))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror target %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Registry) unmirrorTarget(ctx context.Context, name string) error {
	if r.store == nil {
		return nil
	}
	err := r.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.Backends().DeleteByTarget(ctx, name); err != nil {
			return err
		}
		return q.Targets().Delete(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("unmirror target %s: %w", name, err)
	}
	return nil
}

func applyTargetDefaults(spec TargetSpec) TargetSpec {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Rule == "" {
		spec.Rule = RuleRoundRobin
	}
	if spec.CircuitBreakerThreshold <= 0 {
		spec.CircuitBreakerThreshold = defaultBreakerThreshold
	}
	for i := range spec.Backends {
		spec.Backends[i] = applyBackendDefaults(spec.Backends[i])
	}
	return spec
}

func applyBackendDefaults(spec BackendSpec) BackendSpec {
	spec.Address = strings.TrimSpace(spec.Address)
	if spec.Weight <= 0 {
		spec.Weight = defaultWeight
	}
	if spec.HealthCheckPath == "" {
		spec.HealthCheckPath = defaultHealthPath
	}
	if spec.HealthCheckInterval <= 0 {
		spec.HealthCheckInterval = defaultHealthInterval
	}
	if spec.HealthCheckTimeout <= 0 {
		spec.HealthCheckTimeout = defaultHealthTimeout
	}
	return spec
}

func newBackendState(spec BackendSpec) *backendState {
	spec = applyBackendDefaults(spec)
	return &backendState{
		address:             spec.Address,
		weight:              spec.Weight,
		maxConnections:      spec.MaxConnections,
		healthCheckPath:     spec.HealthCheckPath,
		healthCheckInterval: spec.HealthCheckInterval,
		healthCheckTimeout:  spec.HealthCheckTimeout,
		health:              HealthUnknown,
	}
}

func backendRecord(targetName string, spec BackendSpec) db.BackendRecord {
	return db.BackendRecord{
		TargetName:          targetName,
		Address:             spec.Address,
		Weight:              spec.Weight,
		MaxConnections:      spec.MaxConnections,
		HealthCheckPath:     spec.HealthCheckPath,
		HealthCheckInterval: spec.HealthCheckInterval,
		HealthCheckTimeout:  spec.HealthCheckTimeout,
	}
}

// snapshot must be called with the target mutex held.
func (t *targetState) snapshot() Target {
	out := Target{
		Name:                    t.name,
		Rule:                    t.rule,
		Enabled:                 t.enabled,
		StickySessions:          t.sticky,
		CircuitBreakerThreshold: t.breakerThreshold,
		TLSEnabled:              t.tlsEnabled,
		Discovered:              t.discovered,
		Backends:                make([]Backend, 0, len(t.backends)),
	}
	for _, b := range t.backends {
		out.Backends = append(out.Backends, Backend{
			Address:              b.address,
			Weight:               b.weight,
			MaxConnections:       b.maxConnections,
			HealthCheckPath:      b.healthCheckPath,
			HealthCheckInterval:  b.healthCheckInterval,
			HealthCheckTimeout:   b.healthCheckTimeout,
			Health:               b.health,
			ConsecutiveFailures:  b.failures,
			ConsecutiveSuccesses: b.successes,
			ActiveConnections:    b.active.Load(),
		})
	}
	return out
}

// lockedSnapshot acquires the target mutex itself.
func (t *targetState) lockedSnapshot() Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// findBackend must be called with the target mutex held.
func (t *targetState) findBackend(address string) *backendState {
	for _, b := range t.backends {
		if b.address == address {
			return b
		}
	}
	return nil
}
