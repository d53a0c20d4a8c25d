package kstat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/susmicrosystems/corekernel/pkg/kstat/store"
)

// Manager polls every registered collector on an interval and writes
// their samples through to store, mirroring performance.Manager's
// registry ownership but adding the actual collection loop the teacher's
// TODO comments left unimplemented.
type Manager struct {
	registry *Registry
	store    *store.Store
	interval time.Duration
	logger   logr.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Registry *Registry
	Store    *store.Store
	Interval time.Duration
	Logger   logr.Logger
}

// NewManager creates a Manager. Registry and Store are required;
// Interval defaults to one second.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("kstat: registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("kstat: store is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Manager{
		registry: opts.Registry,
		store:    opts.Store,
		interval: interval,
		logger:   opts.Logger.WithName("kstat-manager"),
	}, nil
}

// Run polls every registered collector every interval until ctx is
// canceled, persisting their samples into the store.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.collectOnce(ctx)
		}
	}
}

// collectOnce runs every registered collector concurrently, since
// subsystems don't share state, then serializes the resulting samples into
// the store. A collector's own error never aborts the others' refresh.
func (m *Manager) collectOnce(ctx context.Context) {
	collectors := m.registry.All()
	results := make([][]Sample, len(collectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range collectors {
		i, c := i, c
		g.Go(func() error {
			samples, err := c.Collect(gctx)
			if err != nil {
				m.logger.Error(err, "collector failed", "subsystem", c.Subsystem())
				return nil
			}
			results[i] = samples
			return nil
		})
	}
	_ = g.Wait()

	for _, samples := range results {
		for _, s := range samples {
			if err := m.store.Put(s.Subsystem, s.Counter, s.Value); err != nil {
				m.logger.Error(err, "failed to persist sample",
					"subsystem", s.Subsystem, "counter", s.Counter)
			}
		}
	}
}

// Snapshot returns every counter currently recorded for subsystem,
// decoded as int64s.
func (m *Manager) Snapshot(subsystem string) (map[string]int64, error) {
	raw, err := m.store.List(subsystem)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for counter := range raw {
		var v int64
		if err := m.store.Get(subsystem, counter, &v); err != nil {
			continue
		}
		out[counter] = v
	}
	return out, nil
}

// Subsystems returns every subsystem name with at least one recorded
// counter.
func (m *Manager) Subsystems() ([]string, error) {
	return m.store.Subsystems()
}
