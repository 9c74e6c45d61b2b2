// Package routing composes the activation controller and target registry into
// per-request forwarding decisions for the reverse-proxy layer.
package routing

import (
	"context"
	"log/slog"

	"github.com/kihw/selfstart/internal/server/activation"
	"github.com/kihw/selfstart/internal/server/registry"
)

// Decision tells the proxy layer what to do with one inbound request.
type Decision string

const (
	// DecisionForward carries a resolved backend address.
	DecisionForward Decision = "FORWARD"
	// DecisionHold means the workload is being activated; the caller retries.
	DecisionHold Decision = "HOLD"
	// DecisionNoBackend means the workload runs but no backend is eligible.
	DecisionNoBackend Decision = "NO_BACKEND"
	// DecisionUnknownService means the name is not configured anywhere.
	DecisionUnknownService Decision = "UNKNOWN_SERVICE"
)

// Result is one routing decision.
type Result struct {
	Decision Decision          `json:"decision"`
	Address  string            `json:"address,omitempty"`
	Status   activation.Status `json:"status,omitempty"`
}

// Router answers routing decisions. It holds no state of its own.
type Router struct {
	logger     *slog.Logger
	controller *activation.Controller
	registry   *registry.Registry
}

// New constructs a router over the given controller and registry.
func New(logger *slog.Logger, controller *activation.Controller, reg *registry.Registry) *Router {
	return &Router{
		logger:     logger.With("component", "routing"),
		controller: controller,
		registry:   reg,
	}
}

// Decide maps a service name to a forwarding decision. A name is known when
// it is either a registry target or a configured workload. Unknown names get
// UNKNOWN_SERVICE without triggering any start.
func (r *Router) Decide(ctx context.Context, name, clientKey string) Result {
	_, targetErr := r.registry.Get(name)
	known := targetErr == nil || r.controller.Configured(name)
	if !known {
		return Result{Decision: DecisionUnknownService}
	}

	snap := r.controller.Status(ctx, name)
	if snap.Status != activation.StatusRunning {
		outcome, err := r.controller.RequestStart(ctx, name)
		if err != nil {
			r.logger.Error("request start", "workload", name, "error", err)
		} else {
			r.logger.Info("holding for activation", "workload", name, "outcome", outcome)
		}
		return Result{Decision: DecisionHold, Status: snap.Status}
	}

	address, release, ok := r.registry.Resolve(name, clientKey)
	if !ok {
		return Result{Decision: DecisionNoBackend, Status: snap.Status}
	}
	// the decision endpoint is advisory; the proxied connection is not ours
	// to track, so the slot is released as soon as the address is handed out
	release()

	r.controller.TouchActivity(name)
	return Result{Decision: DecisionForward, Address: address, Status: snap.Status}
}
