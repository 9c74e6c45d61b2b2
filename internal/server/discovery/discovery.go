// Package discovery keeps the target registry in sync with labeled
// containers found on the engine.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/kihw/selfstart/internal/server/engine"
	"github.com/kihw/selfstart/internal/server/registry"
)

// Container labels read by the scanner. A container opts in with
// selfstart.enable=true; the rest are optional overrides.
const (
	LabelEnable     = "selfstart.enable"
	LabelName       = "selfstart.name"
	LabelPort       = "selfstart.port"
	LabelRule       = "selfstart.rule"
	LabelHealthPath = "selfstart.health.path"
)

// Params wires the discovery scanner.
type Params struct {
	Logger   *slog.Logger
	Engine   engine.Client
	Registry *registry.Registry
	Interval time.Duration
}

// Scanner periodically lists engine containers and mirrors the labeled ones
// into the registry as discovered targets.
type Scanner struct {
	logger   *slog.Logger
	engine   engine.Client
	registry *registry.Registry
	interval time.Duration
}

// New constructs the scanner.
func New(params Params) *Scanner {
	interval := params.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		logger:   params.Logger.With("component", "discovery"),
		engine:   params.Engine,
		registry: params.Registry,
		interval: interval,
	}
}

// Run scans on the configured interval until the context is cancelled. The
// first scan happens immediately so discovered targets exist right after boot.
func (s *Scanner) Run(ctx context.Context) {
	s.Scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one full pass: upsert every labeled container, then prune
// discovered targets whose container disappeared. Operator-created targets
// are never pruned.
func (s *Scanner) Scan(ctx context.Context) {
	containers, err := s.engine.List(ctx)
	if err != nil {
		s.logger.Warn("engine list failed", "error", err)
		return
	}

	keep := make(map[string]struct{})
	for _, c := range containers {
		if c.Labels[LabelEnable] != "true" {
			continue
		}
		spec, ok := s.specFor(c)
		if !ok {
			continue
		}
		keep[spec.Name] = struct{}{}
		if _, err := s.registry.UpsertDiscovered(ctx, spec); err != nil {
			s.logger.Warn("upsert discovered target", "target", spec.Name, "error", err)
		}
	}

	for _, name := range s.registry.PruneDiscovered(ctx, keep) {
		s.logger.Info("pruned discovered target", "target", name)
	}
}

func (s *Scanner) specFor(c engine.Container) (registry.TargetSpec, bool) {
	port := c.HostPort
	if v, ok := c.Labels[LabelPort]; ok {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			s.logger.Warn("invalid port label", "container", c.Name, "value", v)
			return registry.TargetSpec{}, false
		}
		port = p
	}
	if port == 0 {
		// no published port and no override; nothing to route to
		return registry.TargetSpec{}, false
	}

	rule := registry.Rule(c.Labels[LabelRule])
	if rule != "" && !rule.Valid() {
		s.logger.Warn("invalid rule label", "container", c.Name, "value", string(rule))
		rule = ""
	}

	backend := registry.BackendSpec{
		Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
	}
	if path, ok := c.Labels[LabelHealthPath]; ok && path != "" {
		backend.HealthCheckPath = path
	}

	name := c.Name
	if v, ok := c.Labels[LabelName]; ok && v != "" {
		name = v
	}

	// discovered targets start enabled even when the container is stopped;
	// routing a request to the name is exactly what activates it
	return registry.TargetSpec{
		Name:       name,
		Rule:       rule,
		Enabled:    true,
		Discovered: true,
		Backends:   []registry.BackendSpec{backend},
	}, true
}
