package db

import (
	"context"
	"time"
)

// TargetRecord is the persisted shape of a proxy target. Health, counters,
// and balancing cursors are runtime state and are deliberately not mirrored.
type TargetRecord struct {
	Name                    string
	Rule                    string
	Enabled                 bool
	StickySessions          bool
	CircuitBreakerThreshold int
	TLSEnabled              bool
	Discovered              bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// BackendRecord is the persisted shape of one backend of a target.
type BackendRecord struct {
	TargetName          string
	Address             string
	Weight              int
	MaxConnections      int64
	HealthCheckPath     string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	CreatedAt           time.Time
}

// Store describes the persistence surface consumed by the registry mirror.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Targets() TargetRepository
	Backends() BackendRepository
}

// TargetRepository manages CRUD for mirrored targets.
type TargetRepository interface {
	Upsert(ctx context.Context, target TargetRecord) error
	GetByName(ctx context.Context, name string) (*TargetRecord, error)
	List(ctx context.Context) ([]TargetRecord, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	Delete(ctx context.Context, name string) error
}

// BackendRepository manages CRUD for mirrored backends.
type BackendRepository interface {
	Upsert(ctx context.Context, backend BackendRecord) error
	ListByTarget(ctx context.Context, targetName string) ([]BackendRecord, error)
	Delete(ctx context.Context, targetName, address string) error
	DeleteByTarget(ctx context.Context, targetName string) error
}
