package registry

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Params{Logger: testLogger()})
	require.NoError(t, err)
	return r
}

func mustCreate(t *testing.T, r *Registry, spec TargetSpec) Target {
	t.Helper()
	target, err := r.CreateTarget(context.Background(), spec)
	require.NoError(t, err)
	return target
}

func backendSpecs(addrs ...string) []BackendSpec {
	specs := make([]BackendSpec, 0, len(addrs))
	for _, addr := range addrs {
		specs = append(specs, BackendSpec{Address: addr})
	}
	return specs
}

func TestCreateTargetDefaultsAndDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	target := mustCreate(t, r, TargetSpec{
		Name:     "media",
		Enabled:  true,
		Backends: backendSpecs("127.0.0.1:8081"),
	})
	require.Equal(t, RuleRoundRobin, target.Rule)
	require.Equal(t, defaultBreakerThreshold, target.CircuitBreakerThreshold)
	require.Equal(t, defaultWeight, target.Backends[0].Weight)
	require.Equal(t, defaultHealthPath, target.Backends[0].HealthCheckPath)
	require.Equal(t, HealthUnknown, target.Backends[0].Health)

	_, err := r.CreateTarget(context.Background(), TargetSpec{Name: "media", Enabled: true})
	require.ErrorIs(t, err, ErrTargetExists)

	_, err = r.CreateTarget(context.Background(), TargetSpec{Name: "bad", Rule: "random"})
	require.ErrorIs(t, err, ErrInvalidSpec)
}

func TestDeleteTargetErrors(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true})

	_, err := r.DeleteTarget(context.Background(), "media")
	require.NoError(t, err)

	_, err = r.DeleteTarget(context.Background(), "media")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestResolveRoundRobinCycle(t *testing.T) {
	r := newTestRegistry(t)
	addrs := []string{"127.0.0.1:8081", "127.0.0.1:8082", "127.0.0.1:8083"}
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs(addrs...)})

	// each backend is visited exactly once per full cycle
	for cycle := 0; cycle < 3; cycle++ {
		seen := make(map[string]int)
		for i := 0; i < len(addrs); i++ {
			addr, release, ok := r.Resolve("media", "")
			require.True(t, ok)
			release()
			seen[addr]++
		}
		for _, addr := range addrs {
			require.Equal(t, 1, seen[addr])
		}
	}
}

func TestResolveDisabledAndMissing(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs("127.0.0.1:8081")})

	_, _, ok := r.Resolve("nope", "")
	require.False(t, ok)

	_, err := r.ToggleTarget(context.Background(), "media", false)
	require.NoError(t, err)
	_, _, ok = r.Resolve("media", "")
	require.False(t, ok)

	// toggling is idempotent
	target, err := r.ToggleTarget(context.Background(), "media", false)
	require.NoError(t, err)
	require.False(t, target.Enabled)

	_, err = r.ToggleTarget(context.Background(), "media", true)
	require.NoError(t, err)
	_, _, ok = r.Resolve("media", "")
	require.True(t, ok)
}

func TestResolveNeverReturnsMaintenance(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{
		Name:     "media",
		Enabled:  true,
		Backends: backendSpecs("127.0.0.1:8081", "127.0.0.1:8082"),
	})

	_, err := r.SetMaintenance(ctx, "media", "127.0.0.1:8081", true)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		addr, release, ok := r.Resolve("media", "")
		require.True(t, ok)
		release()
		require.Equal(t, "127.0.0.1:8082", addr)
	}

	// maintenance on the last backend opens the circuit entirely
	_, err = r.SetMaintenance(ctx, "media", "127.0.0.1:8082", true)
	require.NoError(t, err)
	_, _, ok := r.Resolve("media", "")
	require.False(t, ok)

	// leaving maintenance returns the backend to UNKNOWN, eligible again
	target, err := r.SetMaintenance(ctx, "media", "127.0.0.1:8082", false)
	require.NoError(t, err)
	require.Equal(t, HealthUnknown, findSnapshot(t, target, "127.0.0.1:8082").Health)
	_, _, ok = r.Resolve("media", "")
	require.True(t, ok)
}

func TestSetMaintenanceIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs("127.0.0.1:8081")})

	for i := 0; i < 2; i++ {
		target, err := r.SetMaintenance(ctx, "media", "127.0.0.1:8081", true)
		require.NoError(t, err)
		require.Equal(t, HealthMaintenance, findSnapshot(t, target, "127.0.0.1:8081").Health)
	}

	_, err := r.SetMaintenance(ctx, "media", "127.0.0.2:9999", true)
	require.ErrorIs(t, err, ErrBackendNotFound)
}

func TestWeightedDistribution(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, TargetSpec{
		Name:    "media",
		Rule:    RuleWeighted,
		Enabled: true,
		Backends: []BackendSpec{
			{Address: "127.0.0.1:8081", Weight: 2},
			{Address: "127.0.0.1:8082", Weight: 1},
		},
	})

	const calls = 300
	counts := make(map[string]int)
	for i := 0; i < calls; i++ {
		addr, release, ok := r.Resolve("media", "")
		require.True(t, ok)
		release()
		counts[addr]++
	}

	expected := float64(calls) * 2 / 3
	require.LessOrEqual(t, math.Abs(float64(counts["127.0.0.1:8081"])-expected), float64(calls)*0.15)
	require.Equal(t, calls, counts["127.0.0.1:8081"]+counts["127.0.0.1:8082"])
}

func TestLeastConnectionsPrefersIdleBackend(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, TargetSpec{
		Name:     "media",
		Rule:     RuleLeastConnections,
		Enabled:  true,
		Backends: backendSpecs("127.0.0.1:8081", "127.0.0.1:8082"),
	})

	// hold a connection on the first backend; the next resolve must avoid it
	addr1, release1, ok := r.Resolve("media", "")
	require.True(t, ok)

	addr2, release2, ok := r.Resolve("media", "")
	require.True(t, ok)
	require.NotEqual(t, addr1, addr2)

	release1()
	release2()

	// release is idempotent
	release1()
	target, err := r.Get("media")
	require.NoError(t, err)
	for _, b := range target.Backends {
		require.Zero(t, b.ActiveConnections)
	}
}

func TestMaxConnectionsCap(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, TargetSpec{
		Name:    "media",
		Enabled: true,
		Backends: []BackendSpec{
			{Address: "127.0.0.1:8081", MaxConnections: 1},
		},
	})

	_, release, ok := r.Resolve("media", "")
	require.True(t, ok)

	_, _, ok = r.Resolve("media", "")
	require.False(t, ok, "capped backend must not be handed out")

	release()
	_, release, ok = r.Resolve("media", "")
	require.True(t, ok)
	release()
}

func TestIPHashDeterministic(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, TargetSpec{
		Name:     "media",
		Rule:     RuleIPHash,
		Enabled:  true,
		Backends: backendSpecs("127.0.0.1:8081", "127.0.0.1:8082", "127.0.0.1:8083"),
	})

	first, release, ok := r.Resolve("media", "10.0.0.7")
	require.True(t, ok)
	release()
	for i := 0; i < 10; i++ {
		addr, release, ok := r.Resolve("media", "10.0.0.7")
		require.True(t, ok)
		release()
		require.Equal(t, first, addr)
	}
}

func TestStickySessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{
		Name:           "media",
		Enabled:        true,
		StickySessions: true,
		Backends:       backendSpecs("127.0.0.1:8081", "127.0.0.1:8082"),
	})

	first, release, ok := r.Resolve("media", "client-a")
	require.True(t, ok)
	release()
	for i := 0; i < 5; i++ {
		addr, release, ok := r.Resolve("media", "client-a")
		require.True(t, ok)
		release()
		require.Equal(t, first, addr)
	}

	// removing the assigned backend drops the assignment
	_, err := r.RemoveBackend(ctx, "media", first)
	require.NoError(t, err)
	addr, release, ok := r.Resolve("media", "client-a")
	require.True(t, ok)
	release()
	require.NotEqual(t, first, addr)
}

func TestReportProbeDebounceAndBreaker(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{
		Name:     "media",
		Enabled:  true,
		Backends: backendSpecs("127.0.0.1:8081"),
	})

	// one pass is not enough to flip to healthy
	health, err := r.ReportProbe(ctx, "media", "127.0.0.1:8081", true)
	require.NoError(t, err)
	require.Equal(t, HealthUnknown, health)

	health, err = r.ReportProbe(ctx, "media", "127.0.0.1:8081", true)
	require.NoError(t, err)
	require.Equal(t, HealthHealthy, health)

	// failures below the breaker threshold keep the backend serving
	for i := 1; i < defaultBreakerThreshold; i++ {
		health, err = r.ReportProbe(ctx, "media", "127.0.0.1:8081", false)
		require.NoError(t, err)
		require.Equal(t, HealthHealthy, health)
		_, _, ok := r.Resolve("media", "")
		require.True(t, ok)
	}

	// the threshold-th consecutive failure opens the breaker
	health, err = r.ReportProbe(ctx, "media", "127.0.0.1:8081", false)
	require.NoError(t, err)
	require.Equal(t, HealthUnhealthy, health)
	_, _, ok := r.Resolve("media", "")
	require.False(t, ok)

	// recovery needs the debounce again
	_, err = r.ReportProbe(ctx, "media", "127.0.0.1:8081", true)
	require.NoError(t, err)
	health, err = r.ReportProbe(ctx, "media", "127.0.0.1:8081", true)
	require.NoError(t, err)
	require.Equal(t, HealthHealthy, health)
}

func TestReportProbeNeverTouchesMaintenance(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs("127.0.0.1:8081")})

	_, err := r.SetMaintenance(ctx, "media", "127.0.0.1:8081", true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		health, err := r.ReportProbe(ctx, "media", "127.0.0.1:8081", true)
		require.NoError(t, err)
		require.Equal(t, HealthMaintenance, health)
	}
}

func TestRemoveLastBackendLeavesValidTarget(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs("127.0.0.1:8081")})

	target, err := r.RemoveBackend(ctx, "media", "127.0.0.1:8081")
	require.NoError(t, err)
	require.Empty(t, target.Backends)

	_, _, ok := r.Resolve("media", "")
	require.False(t, ok)

	// the target itself still exists and accepts new backends
	target, err = r.AddBackend(ctx, "media", BackendSpec{Address: "127.0.0.1:9090"})
	require.NoError(t, err)
	require.Len(t, target.Backends, 1)
}

func TestAddBackendDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs("127.0.0.1:8081")})

	_, err := r.AddBackend(ctx, "media", BackendSpec{Address: "127.0.0.1:8081"})
	require.ErrorIs(t, err, ErrBackendExists)
}

func TestUpsertDiscoveredNeverTouchesOperatorTargets(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, TargetSpec{Name: "media", Enabled: true, Backends: backendSpecs("127.0.0.1:8081")})

	_, err := r.UpsertDiscovered(ctx, TargetSpec{
		Name:       "media",
		Enabled:    true,
		Discovered: true,
		Backends:   backendSpecs("127.0.0.1:9999"),
	})
	require.NoError(t, err)

	target, err := r.Get("media")
	require.NoError(t, err)
	require.False(t, target.Discovered)
	require.Equal(t, "127.0.0.1:8081", target.Backends[0].Address)

	// pruning only removes discovered targets
	removed := r.PruneDiscovered(ctx, map[string]struct{}{})
	require.Empty(t, removed)
}

func TestPruneDiscovered(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.UpsertDiscovered(ctx, TargetSpec{
		Name:       "scanned",
		Enabled:    true,
		Discovered: true,
		Backends:   backendSpecs("127.0.0.1:9001"),
	})
	require.NoError(t, err)

	removed := r.PruneDiscovered(ctx, map[string]struct{}{"scanned": {}})
	require.Empty(t, removed)

	removed = r.PruneDiscovered(ctx, map[string]struct{}{})
	require.Equal(t, []string{"scanned"}, removed)

	_, err = r.Get("scanned")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func findSnapshot(t *testing.T, target Target, address string) Backend {
	t.Helper()
	for _, b := range target.Backends {
		if b.Address == address {
			return b
		}
	}
	t.Fatalf("backend %s not found", address)
	return Backend{}
}
