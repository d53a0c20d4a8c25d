package kstat_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/kstat"
	"github.com/susmicrosystems/corekernel/pkg/kstat/store"
)

func newManager(t *testing.T) (*kstat.Manager, *kstat.Registry) {
	t.Helper()
	st, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := kstat.NewRegistry()
	mgr, err := kstat.NewManager(kstat.ManagerOptions{
		Registry: reg,
		Store:    st,
		Interval: 10 * time.Millisecond,
		Logger:   logr.Discard(),
	})
	require.NoError(t, err)
	return mgr, reg
}

func TestRegistryDeduplicatesBySubsystemName(t *testing.T) {
	reg := kstat.NewRegistry()
	reg.Register(kstat.CollectorFunc{Name: "x", Fn: func(context.Context) ([]kstat.Sample, error) { return nil, nil }})
	reg.Register(kstat.CollectorFunc{Name: "x", Fn: func(context.Context) ([]kstat.Sample, error) { return nil, nil }})
	require.Len(t, reg.All(), 1)
}

func TestManagerCollectOnceWritesSamplesToStore(t *testing.T) {
	mgr, reg := newManager(t)
	reg.Register(kstat.CollectorFunc{
		Name: "fake",
		Fn: func(context.Context) ([]kstat.Sample, error) {
			return []kstat.Sample{{Subsystem: "fake", Counter: "n", Value: 42}}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = mgr.Run(ctx)

	snap, err := mgr.Snapshot("fake")
	require.NoError(t, err)
	require.Equal(t, int64(42), snap["n"])
}

func TestSnapshotOfUnknownSubsystemIsEmpty(t *testing.T) {
	mgr, _ := newManager(t)
	snap, err := mgr.Snapshot("nope")
	require.NoError(t, err)
	require.Empty(t, snap)
}

func TestSubsystemsListsEveryCollectedSubsystem(t *testing.T) {
	mgr, reg := newManager(t)
	reg.Register(kstat.CollectorFunc{
		Name: "a",
		Fn: func(context.Context) ([]kstat.Sample, error) {
			return []kstat.Sample{{Subsystem: "a", Counter: "c", Value: 1}}, nil
		},
	})
	reg.Register(kstat.CollectorFunc{
		Name: "b",
		Fn: func(context.Context) ([]kstat.Sample, error) {
			return []kstat.Sample{{Subsystem: "b", Counter: "c", Value: 2}}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = mgr.Run(ctx)

	subs, err := mgr.Subsystems()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, subs)
}

func TestCollectorErrorDoesNotHaltOtherCollectors(t *testing.T) {
	mgr, reg := newManager(t)
	reg.Register(kstat.CollectorFunc{
		Name: "broken",
		Fn: func(context.Context) ([]kstat.Sample, error) {
			return nil, context.DeadlineExceeded
		},
	})
	reg.Register(kstat.CollectorFunc{
		Name: "ok",
		Fn: func(context.Context) ([]kstat.Sample, error) {
			return []kstat.Sample{{Subsystem: "ok", Counter: "c", Value: 7}}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = mgr.Run(ctx)

	snap, err := mgr.Snapshot("ok")
	require.NoError(t, err)
	require.Equal(t, int64(7), snap["c"])
}
