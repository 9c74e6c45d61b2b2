package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TopicTargets is the event bus topic carrying registry changes.
const TopicTargets = "proxy.targets"

// Event types published on TopicTargets.
const (
	EventTargetCreated = "target.created"
	EventTargetUpdated = "target.updated"
	EventTargetDeleted = "target.deleted"
	EventBackendHealth = "backend.health"
)

// TargetEvent describes one registry change for stream consumers.
type TargetEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	Backend   string    `json:"backend,omitempty"`
	Health    Health    `json:"health,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Registry) publish(ctx context.Context, eventType, target, backend string, health Health) {
	if r.bus == nil {
		return
	}
	event := TargetEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Target:    target,
		Backend:   backend,
		Health:    health,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, TopicTargets, event); err != nil {
		r.logger.Error("publish target event", "type", eventType, "target", target, "error", err)
	}
}
