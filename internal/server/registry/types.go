package registry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Rule selects the balancing policy for a target.
type Rule string

const (
	RuleRoundRobin       Rule = "round_robin"
	RuleLeastConnections Rule = "least_connections"
	RuleWeighted         Rule = "weighted"
	RuleIPHash           Rule = "ip_hash"
	RuleHealthBased      Rule = "health_based"
)

// Valid reports whether the rule is one of the supported policies.
func (r Rule) Valid() bool {
	switch r {
	case RuleRoundRobin, RuleLeastConnections, RuleWeighted, RuleIPHash, RuleHealthBased:
		return true
	}
	return false
}

// Health enumerates the probe-driven states of a backend. MAINTENANCE is set
// only by operators and is never written by the prober.
type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthUnhealthy   Health = "unhealthy"
	HealthMaintenance Health = "maintenance"
)

const (
	defaultWeight           = 1
	defaultBreakerThreshold = 5
	defaultHealthPath       = "/health"
	defaultHealthInterval   = 30 * time.Second
	defaultHealthTimeout    = 5 * time.Second

	// healthyDebounce is how many consecutive probe passes flip a backend
	// back to healthy.
	healthyDebounce = 2
)

var (
	// ErrTargetNotFound indicates the requested target does not exist.
	ErrTargetNotFound = errors.New("registry: target not found")
	// ErrTargetExists indicates a target with the same name already exists.
	ErrTargetExists = errors.New("registry: target already exists")
	// ErrBackendNotFound indicates the address is not part of the target.
	ErrBackendNotFound = errors.New("registry: backend not found")
	// ErrBackendExists indicates the address is already part of the target.
	ErrBackendExists = errors.New("registry: backend already exists")
	// ErrInvalidSpec indicates a malformed target or backend specification.
	ErrInvalidSpec = errors.New("registry: invalid spec")
)

// BackendSpec describes one backend on create/add. Zero values fall back to
// registry defaults.
type BackendSpec struct {
	Address             string        `json:"address"`
	Weight              int           `json:"weight,omitempty"`
	MaxConnections      int64         `json:"max_connections,omitempty"`
	HealthCheckPath     string        `json:"health_check_path,omitempty"`
	HealthCheckInterval time.Duration `json:"health_check_interval,omitempty"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout,omitempty"`
}

// TargetSpec describes a target on create.
type TargetSpec struct {
	Name                    string        `json:"name"`
	Rule                    Rule          `json:"rule,omitempty"`
	Enabled                 bool          `json:"enabled"`
	StickySessions          bool          `json:"sticky_sessions,omitempty"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold,omitempty"`
	TLSEnabled              bool          `json:"tls_enabled,omitempty"`
	Discovered              bool          `json:"-"`
	Backends                []BackendSpec `json:"backends,omitempty"`
}

// Backend is a point-in-time view of one backend.
type Backend struct {
	Address              string        `json:"address"`
	Weight               int           `json:"weight"`
	MaxConnections       int64         `json:"max_connections"`
	HealthCheckPath      string        `json:"health_check_path"`
	HealthCheckInterval  time.Duration `json:"health_check_interval"`
	HealthCheckTimeout   time.Duration `json:"health_check_timeout"`
	Health               Health        `json:"health"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ActiveConnections    int64         `json:"active_connections"`
}

// Target is a point-in-time view of one target and its backends.
type Target struct {
	Name                    string    `json:"name"`
	Rule                    Rule      `json:"rule"`
	Enabled                 bool      `json:"enabled"`
	StickySessions          bool      `json:"sticky_sessions"`
	CircuitBreakerThreshold int       `json:"circuit_breaker_threshold"`
	TLSEnabled              bool      `json:"tls_enabled"`
	Discovered              bool      `json:"discovered"`
	Backends                []Backend `json:"backends"`
}

func validateTargetSpec(spec TargetSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: target name required", ErrInvalidSpec)
	}
	if spec.Rule != "" && !spec.Rule.Valid() {
		return fmt.Errorf("%w: invalid rule %q", ErrInvalidSpec, spec.Rule)
	}
	seen := make(map[string]struct{}, len(spec.Backends))
	for _, b := range spec.Backends {
		if err := validateBackendSpec(b); err != nil {
			return err
		}
		if _, dup := seen[b.Address]; dup {
			return fmt.Errorf("%w: duplicate backend address %q", ErrInvalidSpec, b.Address)
		}
		seen[b.Address] = struct{}{}
	}
	return nil
}

func validateBackendSpec(spec BackendSpec) error {
	addr := strings.TrimSpace(spec.Address)
	if addr == "" {
		return fmt.Errorf("%w: backend address required", ErrInvalidSpec)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: invalid backend address %q: %v", ErrInvalidSpec, addr, err)
	}
	if spec.Weight < 0 {
		return fmt.Errorf("%w: backend weight must not be negative", ErrInvalidSpec)
	}
	if spec.MaxConnections < 0 {
		return fmt.Errorf("%w: backend max connections must not be negative", ErrInvalidSpec)
	}
	return nil
}
