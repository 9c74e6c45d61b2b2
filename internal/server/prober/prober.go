// Package prober runs active HTTP health checks against registry backends
// and feeds the results back into the registry's health state machine.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kihw/selfstart/internal/server/registry"
)

// tickInterval is the scheduler resolution; individual backends carry their
// own probe intervals on top of it.
const tickInterval = time.Second

// BackendResult is one synchronous probe outcome, as returned by TestTarget.
type BackendResult struct {
	Address string        `json:"address"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// Prober schedules per-backend probes by each backend's configured interval.
type Prober struct {
	logger   *slog.Logger
	registry *registry.Registry
	client   *http.Client

	next map[string]time.Time
}

// New constructs a prober over the registry.
func New(logger *slog.Logger, reg *registry.Registry) *Prober {
	return &Prober{
		logger:   logger.With("component", "prober"),
		registry: reg,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		next: make(map[string]time.Time),
	}
}

// Run probes backends until the context is cancelled. Topology changes are
// picked up on the next tick from the registry snapshot; no subscription
// plumbing is needed.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	now := time.Now()
	seen := make(map[string]struct{})

	for _, target := range p.registry.List() {
		if !target.Enabled {
			continue
		}
		for _, backend := range target.Backends {
			key := target.Name + "|" + backend.Address
			seen[key] = struct{}{}
			if backend.Health == registry.HealthMaintenance {
				continue
			}
			if due, ok := p.next[key]; ok && now.Before(due) {
				continue
			}
			p.next[key] = now.Add(backend.HealthCheckInterval)

			healthy, _, detail := p.probe(ctx, backend)
			health, err := p.registry.ReportProbe(ctx, target.Name, backend.Address, healthy)
			if err != nil {
				// the backend was removed between snapshot and report
				continue
			}
			if !healthy {
				p.logger.Debug("probe failed",
					"target", target.Name, "backend", backend.Address,
					"health", health, "detail", detail)
			}
		}
	}

	// drop schedule entries for backends that no longer exist
	for key := range p.next {
		if _, ok := seen[key]; !ok {
			delete(p.next, key)
		}
	}
}

// probe issues one GET against the backend's health path. Any 2xx passes.
func (p *Prober) probe(ctx context.Context, backend registry.Backend) (bool, time.Duration, string) {
	url := "http://" + backend.Address + backend.HealthCheckPath

	probeCtx, cancel := context.WithTimeout(ctx, backend.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, err.Error()
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		return false, latency, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, latency, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return true, latency, ""
}

// TestTarget probes every backend of the target once, synchronously, and
// returns the raw outcomes. Unlike the background loop it includes backends
// in MAINTENANCE, and it does not feed the registry state machine.
func (p *Prober) TestTarget(ctx context.Context, name string) ([]BackendResult, error) {
	target, err := p.registry.Get(name)
	if err != nil {
		return nil, err
	}

	results := make([]BackendResult, 0, len(target.Backends))
	for _, backend := range target.Backends {
		healthy, latency, detail := p.probe(ctx, backend)
		results = append(results, BackendResult{
			Address: backend.Address,
			Healthy: healthy,
			Latency: latency,
			Detail:  detail,
		})
	}
	return results, nil
}
