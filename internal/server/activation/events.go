package activation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TopicWorkloads is the event bus topic carrying workload lifecycle changes.
const TopicWorkloads = "workloads"

// Event types published on TopicWorkloads.
const (
	EventWorkloadStarting = "workload.starting"
	EventWorkloadRunning  = "workload.running"
	EventWorkloadStopped  = "workload.stopped"
	EventWorkloadError    = "workload.error"
)

// WorkloadEvent describes one lifecycle transition for stream consumers.
type WorkloadEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Workload  string    `json:"workload"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Controller) publish(ctx context.Context, eventType, workload string, status Status, message string) {
	if c.bus == nil {
		return
	}
	event := WorkloadEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Workload:  workload,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := c.bus.Publish(ctx, TopicWorkloads, event); err != nil {
		c.logger.Error("publish workload event", "type", eventType, "workload", workload, "error", err)
	}
}
