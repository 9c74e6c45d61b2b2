package activation

import (
	"errors"
	"time"
)

// Status enumerates the lifecycle phases tracked for workloads.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusNotFound Status = "not_found"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// StartOutcome is the result of a start request.
type StartOutcome string

const (
	// OutcomeAccepted means a fresh start cycle was opened, either for the
	// workload itself or for a not-yet-running dependency.
	OutcomeAccepted StartOutcome = "accepted"
	// OutcomeAlreadyStarting means an in-flight start cycle absorbed the
	// request (single-flight).
	OutcomeAlreadyStarting StartOutcome = "already_starting"
)

// ErrWorkloadNotFound indicates the engine has no container under the name.
var ErrWorkloadNotFound = errors.New("activation: workload not found")

// Snapshot is a point-in-time view of one workload's state machine.
type Snapshot struct {
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	StartRequestedAt  *time.Time `json:"start_requested_at,omitempty"`
	StartupDeadline   *time.Time `json:"startup_deadline,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Dependencies      []string   `json:"dependencies,omitempty"`
	EngineUnreachable bool       `json:"engine_unreachable,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	HostPort          int        `json:"host_port,omitempty"`
}
