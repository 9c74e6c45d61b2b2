package routing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kihw/selfstart/internal/server/activation"
	"github.com/kihw/selfstart/internal/server/engine"
	"github.com/kihw/selfstart/internal/server/registry"
)

type fakeEngine struct {
	mu         sync.Mutex
	infos      map[string]engine.Info
	startCalls map[string]int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{infos: make(map[string]engine.Info), startCalls: make(map[string]int)}
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (engine.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[name], nil
}

func (f *fakeEngine) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls[name]++
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) List(ctx context.Context) ([]engine.Container, error) { return nil, nil }

func (f *fakeEngine) starts(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls[name]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, eng engine.Client, configured map[string][]string) (*Router, *registry.Registry, *activation.Controller) {
	t.Helper()
	ctrl, err := activation.New(activation.Params{
		Logger:          testLogger(),
		Engine:          eng,
		Dependencies:    configured,
		StartupTimeout:  time.Second,
		ReconcileWindow: time.Millisecond,
	})
	require.NoError(t, err)
	reg, err := registry.New(registry.Params{Logger: testLogger()})
	require.NoError(t, err)
	return New(testLogger(), ctrl, reg), reg, ctrl
}

func TestDecideUnknownService(t *testing.T) {
	eng := newFakeEngine()
	router, _, _ := newTestRouter(t, eng, nil)

	result := router.Decide(context.Background(), "nope", "")
	require.Equal(t, DecisionUnknownService, result.Decision)
	require.Zero(t, eng.starts("nope"), "unknown names never trigger a start")
}

func TestDecideHoldTriggersStart(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{Exists: true}
	router, _, _ := newTestRouter(t, eng, map[string][]string{"sonarr": nil})

	result := router.Decide(context.Background(), "sonarr", "")
	require.Equal(t, DecisionHold, result.Decision)
	require.Empty(t, result.Address)

	require.Eventually(t, func() bool {
		return eng.starts("sonarr") == 1
	}, time.Second, 10*time.Millisecond)

	// repeated decisions during startup stay HOLD without extra engine calls
	result = router.Decide(context.Background(), "sonarr", "")
	require.Equal(t, DecisionHold, result.Decision)
	require.Equal(t, 1, eng.starts("sonarr"))
}

func TestDecideNoBackend(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{Exists: true, Running: true, StartedAt: time.Now()}
	router, reg, _ := newTestRouter(t, eng, nil)

	_, err := reg.CreateTarget(context.Background(), registry.TargetSpec{Name: "sonarr", Enabled: true})
	require.NoError(t, err)

	result := router.Decide(context.Background(), "sonarr", "")
	require.Equal(t, DecisionNoBackend, result.Decision)
}

func TestDecideForward(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{Exists: true, Running: true, StartedAt: time.Now()}
	router, reg, ctrl := newTestRouter(t, eng, nil)

	_, err := reg.CreateTarget(context.Background(), registry.TargetSpec{
		Name:     "sonarr",
		Enabled:  true,
		Backends: []registry.BackendSpec{{Address: "127.0.0.1:8989"}},
	})
	require.NoError(t, err)

	result := router.Decide(context.Background(), "sonarr", "")
	require.Equal(t, DecisionForward, result.Decision)
	require.Equal(t, "127.0.0.1:8989", result.Address)

	snap := ctrl.Status(context.Background(), "sonarr")
	require.NotNil(t, snap.LastActivityAt, "forwarding records activity")
}

func TestDecideRegistryTargetWithoutServiceEntry(t *testing.T) {
	// a registry target alone makes the name known, even with no service file
	eng := newFakeEngine()
	eng.infos["scanned"] = engine.Info{Exists: true}
	router, reg, _ := newTestRouter(t, eng, nil)

	_, err := reg.CreateTarget(context.Background(), registry.TargetSpec{
		Name:     "scanned",
		Enabled:  true,
		Backends: []registry.BackendSpec{{Address: "127.0.0.1:9001"}},
	})
	require.NoError(t, err)

	result := router.Decide(context.Background(), "scanned", "")
	require.Equal(t, DecisionHold, result.Decision)
	require.Eventually(t, func() bool {
		return eng.starts("scanned") == 1
	}, time.Second, 10*time.Millisecond)
}
