package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kihw/selfstart/internal/server/engine"
	"github.com/kihw/selfstart/internal/server/registry"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers []engine.Container
	listErr    error
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (engine.Info, error) {
	return engine.Info{}, nil
}

func (f *fakeEngine) Start(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) Stop(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) List(ctx context.Context) ([]engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers, f.listErr
}

func (f *fakeEngine) set(containers []engine.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = containers
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScanner(t *testing.T, eng engine.Client) (*Scanner, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.Params{Logger: testLogger()})
	require.NoError(t, err)
	return New(Params{Logger: testLogger(), Engine: eng, Registry: reg}), reg
}

func TestScanUpsertsLabeledContainers(t *testing.T) {
	eng := &fakeEngine{}
	eng.set([]engine.Container{
		{
			Name:     "sonarr",
			State:    "exited",
			HostPort: 8989,
			Labels: map[string]string{
				LabelEnable:     "true",
				LabelHealthPath: "/ping",
			},
		},
		{Name: "unlabeled", State: "running", HostPort: 9000},
	})
	scanner, reg := newTestScanner(t, eng)

	scanner.Scan(context.Background())

	target, err := reg.Get("sonarr")
	require.NoError(t, err)
	require.True(t, target.Discovered)
	require.True(t, target.Enabled)
	require.Len(t, target.Backends, 1)
	require.Equal(t, "127.0.0.1:8989", target.Backends[0].Address)
	require.Equal(t, "/ping", target.Backends[0].HealthCheckPath)

	_, err = reg.Get("unlabeled")
	require.ErrorIs(t, err, registry.ErrTargetNotFound)
}

func TestScanHonorsOverrideLabels(t *testing.T) {
	eng := &fakeEngine{}
	eng.set([]engine.Container{
		{
			Name:  "whoami-1",
			State: "running",
			Labels: map[string]string{
				LabelEnable: "true",
				LabelName:   "whoami",
				LabelPort:   "8080",
				LabelRule:   "least_connections",
			},
		},
	})
	scanner, reg := newTestScanner(t, eng)

	scanner.Scan(context.Background())

	target, err := reg.Get("whoami")
	require.NoError(t, err)
	require.Equal(t, registry.RuleLeastConnections, target.Rule)
	require.Equal(t, "127.0.0.1:8080", target.Backends[0].Address)
}

func TestScanSkipsContainersWithoutPort(t *testing.T) {
	eng := &fakeEngine{}
	eng.set([]engine.Container{
		{Name: "portless", State: "running", Labels: map[string]string{LabelEnable: "true"}},
	})
	scanner, reg := newTestScanner(t, eng)

	scanner.Scan(context.Background())
	require.Empty(t, reg.List())
}

func TestScanPrunesVanishedContainers(t *testing.T) {
	eng := &fakeEngine{}
	eng.set([]engine.Container{
		{Name: "sonarr", State: "running", HostPort: 8989, Labels: map[string]string{LabelEnable: "true"}},
	})
	scanner, reg := newTestScanner(t, eng)

	// an operator target must survive every prune
	_, err := reg.CreateTarget(context.Background(), registry.TargetSpec{
		Name:     "manual",
		Enabled:  true,
		Backends: []registry.BackendSpec{{Address: "127.0.0.1:7000"}},
	})
	require.NoError(t, err)

	scanner.Scan(context.Background())
	require.Len(t, reg.List(), 2)

	eng.set(nil)
	scanner.Scan(context.Background())

	_, err = reg.Get("sonarr")
	require.ErrorIs(t, err, registry.ErrTargetNotFound)
	_, err = reg.Get("manual")
	require.NoError(t, err)
}

func TestScanToleratesEngineFailure(t *testing.T) {
	eng := &fakeEngine{}
	eng.set([]engine.Container{
		{Name: "sonarr", State: "running", HostPort: 8989, Labels: map[string]string{LabelEnable: "true"}},
	})
	scanner, reg := newTestScanner(t, eng)

	scanner.Scan(context.Background())
	require.Len(t, reg.List(), 1)

	// a failed listing must not prune previously discovered targets
	eng.mu.Lock()
	eng.listErr = errors.New("engine down")
	eng.mu.Unlock()
	scanner.Scan(context.Background())
	require.Len(t, reg.List(), 1)
}
