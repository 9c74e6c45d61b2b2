package reaper

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
	mu        sync.Mutex
	infos     map[string]engine.Info
	stopCalls map[string]int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{infos: make(map[string]engine.Info), stopCalls: make(map[string]int)}
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (engine.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[name], nil
}

func (f *fakeEngine) Start(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls[name]++
	info := f.infos[name]
	info.Running = false
	f.infos[name] = info
	return nil
}

func (f *fakeEngine) List(ctx context.Context) ([]engine.Container, error) { return nil, nil }

func (f *fakeEngine) stops(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls[name]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, eng engine.Client, idle, minUptime time.Duration) (*Reaper, *activation.Controller, *registry.Registry) {
	t.Helper()
	ctrl, err := activation.New(activation.Params{
		Logger:          testLogger(),
		Engine:          eng,
		StartupTimeout:  time.Second,
		ReconcileWindow: time.Millisecond,
	})
	require.NoError(t, err)
	reg, err := registry.New(registry.Params{Logger: testLogger()})
	require.NoError(t, err)
	r := New(Params{
		Logger:      testLogger(),
		Controller:  ctrl,
		Registry:    reg,
		IdleTimeout: idle,
		MinUptime:   minUptime,
	})
	return r, ctrl, reg
}

func TestNewDisabledWithoutThreshold(t *testing.T) {
	r := New(Params{Logger: testLogger(), IdleTimeout: 0})
	require.Nil(t, r)
}

func TestSweepStopsIdleWorkload(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{
		Exists:    true,
		Running:   true,
		StartedAt: time.Now().Add(-time.Hour),
	}
	r, ctrl, _ := newFixture(t, eng, 10*time.Millisecond, time.Millisecond)

	// track the workload and let its idle clock run out
	ctrl.Status(context.Background(), "sonarr")
	time.Sleep(15 * time.Millisecond)

	r.sweep(context.Background())
	require.Equal(t, 1, eng.stops("sonarr"))
	require.Equal(t, activation.StatusStopped, ctrl.Status(context.Background(), "sonarr").Status)
}

func TestSweepSparesRecentActivity(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{
		Exists:    true,
		Running:   true,
		StartedAt: time.Now().Add(-time.Hour),
	}
	r, ctrl, _ := newFixture(t, eng, time.Minute, time.Millisecond)

	ctrl.Status(context.Background(), "sonarr")
	ctrl.TouchActivity("sonarr")

	r.sweep(context.Background())
	require.Zero(t, eng.stops("sonarr"))
}

func TestSweepHonorsMinUptime(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{
		Exists:    true,
		Running:   true,
		StartedAt: time.Now(),
	}
	r, ctrl, _ := newFixture(t, eng, time.Millisecond, time.Hour)

	ctrl.Status(context.Background(), "sonarr")
	time.Sleep(5 * time.Millisecond)

	r.sweep(context.Background())
	require.Zero(t, eng.stops("sonarr"), "fresh workloads are protected")
}

func TestSweepProtectsActiveConnections(t *testing.T) {
	eng := newFakeEngine()
	eng.infos["sonarr"] = engine.Info{
		Exists:    true,
		Running:   true,
		StartedAt: time.Now().Add(-time.Hour),
	}
	r, ctrl, reg := newFixture(t, eng, 10*time.Millisecond, time.Millisecond)

	_, err := reg.CreateTarget(context.Background(), registry.TargetSpec{
		Name:     "sonarr",
		Enabled:  true,
		Backends: []registry.BackendSpec{{Address: "127.0.0.1:8989"}},
	})
	require.NoError(t, err)

	ctrl.Status(context.Background(), "sonarr")
	time.Sleep(15 * time.Millisecond)

	_, release, ok := reg.Resolve("sonarr", "")
	require.True(t, ok)

	r.sweep(context.Background())
	require.Zero(t, eng.stops("sonarr"), "held connections protect the workload")

	release()
	r.sweep(context.Background())
	require.Equal(t, 1, eng.stops("sonarr"))
}
