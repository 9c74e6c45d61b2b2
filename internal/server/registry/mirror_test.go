package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kihw/selfstart/internal/server/db/sqlite"
)

// The durable mirror is exercised end to end: build a topology on one
// registry, then hydrate a second one from the same database.
func TestMirrorSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)

	first, err := New(Params{Logger: testLogger(), Store: store})
	require.NoError(t, err)

	_, err = first.CreateTarget(ctx, TargetSpec{
		Name:           "media",
		Rule:           RuleWeighted,
		Enabled:        true,
		StickySessions: true,
		Backends: []BackendSpec{
			{Address: "127.0.0.1:8081", Weight: 2},
			{Address: "127.0.0.1:8082", Weight: 1},
		},
	})
	require.NoError(t, err)
	_, err = first.RemoveBackend(ctx, "media", "127.0.0.1:8082")
	require.NoError(t, err)

	// health state is runtime-only and must not come back after restart
	_, err = first.ReportProbe(ctx, "media", "127.0.0.1:8081", false)
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx))

	store, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(ctx) })

	second, err := New(Params{Logger: testLogger(), Store: store})
	require.NoError(t, err)
	require.NoError(t, second.Load(ctx))

	target, err := second.Get("media")
	require.NoError(t, err)
	require.Equal(t, RuleWeighted, target.Rule)
	require.True(t, target.StickySessions)
	require.Len(t, target.Backends, 1)
	require.Equal(t, "127.0.0.1:8081", target.Backends[0].Address)
	require.Equal(t, 2, target.Backends[0].Weight)
	require.Equal(t, HealthUnknown, target.Backends[0].Health)
	require.Zero(t, target.Backends[0].ConsecutiveFailures)
}

func TestMirrorDropsDeletedTargets(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)

	first, err := New(Params{Logger: testLogger(), Store: store})
	require.NoError(t, err)

	_, err = first.CreateTarget(ctx, TargetSpec{Name: "media", Enabled: true})
	require.NoError(t, err)
	_, err = first.DeleteTarget(ctx, "media")
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx))

	store, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(ctx) })

	second, err := New(Params{Logger: testLogger(), Store: store})
	require.NoError(t, err)
	require.NoError(t, second.Load(ctx))
	require.Empty(t, second.List())
}
