// Package kstat is the kernel's statistics and debug-store framework: a
// registry of per-subsystem Collectors polled on an interval by a
// Manager, snapshotted into pkg/kstat/store and published live through
// pkg/vfs/sysfs so cmd/ktop (or a sysfs reader) always sees current
// counters rather than a stale one-shot dump. Adapted from the teacher's
// pkg/performance Collector/CollectorRegistry/Manager framework: Point/
// ContinuousCollector's host-proc-scraping split collapses into a single
// Collector interface, since every subsystem here is polled in-process
// rather than read from /proc.
package kstat

import (
	"context"
	"sync"
)

// Sample is one subsystem counter's value at collection time.
type Sample struct {
	Subsystem string
	Counter   string
	Value     int64
}

// Collector reports a subsystem's counters on demand, mirroring the
// teacher's PointCollector but without the host-proc config dependency.
type Collector interface {
	// Subsystem names the counters this collector reports, e.g. "pm",
	// "slab", "sched", "vfscache", "socket", "arp".
	Subsystem() string

	// Collect returns the subsystem's current counters.
	Collect(ctx context.Context) ([]Sample, error)
}

// CollectorFunc adapts a plain function to a Collector.
type CollectorFunc struct {
	Name string
	Fn   func(ctx context.Context) ([]Sample, error)
}

func (f CollectorFunc) Subsystem() string { return f.Name }

func (f CollectorFunc) Collect(ctx context.Context) ([]Sample, error) {
	return f.Fn(ctx)
}

// Registry holds every registered collector, mirroring
// performance.CollectorRegistry's map-by-type, generalized to map-by-name
// since kstat has no point/continuous split to enforce exclusivity over.
type Registry struct {
	mu         sync.Mutex
	collectors map[string]Collector
}

// NewRegistry returns an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds collector, replacing any earlier registration for the
// same subsystem name.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Subsystem()] = c
}

// All returns every registered collector.
func (r *Registry) All() []Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		out = append(out, c)
	}
	return out
}
