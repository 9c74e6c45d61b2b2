package engine

import (
	"context"
	"time"
)

// Info reports engine-observed truth about one named container.
type Info struct {
	Exists    bool
	Running   bool
	StartedAt time.Time
	HostPort  int
}

// Container is a summarized listing entry, used by discovery and the admin API.
type Container struct {
	Name     string
	Image    string
	State    string
	Labels   map[string]string
	HostPort int
}

// Client is the narrow contract the daemon holds against the container engine.
// Create/remove, image pulling, and log plumbing stay with the engine itself.
type Client interface {
	Inspect(ctx context.Context, name string) (Info, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	List(ctx context.Context) ([]Container, error)
}
