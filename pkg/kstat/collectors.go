package kstat

import (
	"context"
	"fmt"

	"github.com/susmicrosystems/corekernel/pkg/net/arp"
	"github.com/susmicrosystems/corekernel/pkg/pm"
	"github.com/susmicrosystems/corekernel/pkg/sched"
	"github.com/susmicrosystems/corekernel/pkg/slab"
	"github.com/susmicrosystems/corekernel/pkg/socket"
	"github.com/susmicrosystems/corekernel/pkg/vfs"
)

// PoolCollector reports pkg/pm's per-pool frame occupancy.
func PoolCollector(mgr *pm.Manager) Collector {
	return CollectorFunc{
		Name: "pm",
		Fn: func(_ context.Context) ([]Sample, error) {
			var out []Sample
			for i, s := range mgr.Stats() {
				prefix := fmt.Sprintf("pool%d", i)
				out = append(out,
					Sample{Subsystem: "pm", Counter: prefix + ".count", Value: int64(s.Count)},
					Sample{Subsystem: "pm", Counter: prefix + ".used", Value: int64(s.Used)},
				)
			}
			return out, nil
		},
	}
}

// SlabCollector reports one slab.Cache's allocator counters. name
// distinguishes multiple caches (e.g. "thread", "vnode") in the store.
func SlabCollector(name string, cache *slab.Cache) Collector {
	return CollectorFunc{
		Name: "slab." + name,
		Fn: func(_ context.Context) ([]Sample, error) {
			s := cache.Stats()
			sub := "slab." + name
			return []Sample{
				{Subsystem: sub, Counter: "nalloc", Value: int64(s.NAlloc)},
				{Subsystem: sub, Counter: "nfree", Value: int64(s.NFree)},
				{Subsystem: sub, Counter: "ncurrent", Value: int64(s.NCurrent)},
				{Subsystem: sub, Counter: "nslabs", Value: int64(s.NSlabs)},
			}, nil
		},
	}
}

// SchedCollector reports pkg/sched's per-CPU run-queue depths.
func SchedCollector(s *sched.Scheduler) Collector {
	return CollectorFunc{
		Name: "sched",
		Fn: func(_ context.Context) ([]Sample, error) {
			var out []Sample
			for _, cs := range s.Stats() {
				prefix := fmt.Sprintf("cpu%d", cs.CPU)
				idle := int64(0)
				if cs.CurrentIdle {
					idle = 1
				}
				out = append(out,
					Sample{Subsystem: "sched", Counter: prefix + ".runqlen", Value: int64(cs.RunqLen)},
					Sample{Subsystem: "sched", Counter: prefix + ".idle", Value: idle},
				)
			}
			return out, nil
		},
	}
}

// VFSCacheCollector reports one superblock's inode-cache occupancy. name
// distinguishes multiple superblocks (e.g. "root", "proc", "sys").
func VFSCacheCollector(name string, sb *vfs.Superblock) Collector {
	return CollectorFunc{
		Name: "vfscache." + name,
		Fn: func(_ context.Context) ([]Sample, error) {
			return []Sample{
				{Subsystem: "vfscache." + name, Counter: "entries", Value: int64(sb.Cache().Len())},
			}, nil
		},
	}
}

// SocketCollector reports pkg/socket's listener and raw-socket counts.
func SocketCollector() Collector {
	return CollectorFunc{
		Name: "socket",
		Fn: func(_ context.Context) ([]Sample, error) {
			return []Sample{
				{Subsystem: "socket", Counter: "listeners", Value: int64(socket.ListenerCount())},
				{Subsystem: "socket", Counter: "raw.inet", Value: int64(socket.RawSocketCount(socket.DomainInet))},
				{Subsystem: "socket", Counter: "raw.inet6", Value: int64(socket.RawSocketCount(socket.DomainInet6))},
				{Subsystem: "socket", Counter: "raw.packet", Value: int64(socket.RawSocketCount(socket.DomainPacket))},
			}, nil
		},
	}
}

// ARPCollector reports one arp.Table's entry counts by state.
func ARPCollector(table *arp.Table) Collector {
	return CollectorFunc{
		Name: "arp",
		Fn: func(_ context.Context) ([]Sample, error) {
			s := table.Stats()
			return []Sample{
				{Subsystem: "arp", Counter: "unknown", Value: int64(s.Unknown)},
				{Subsystem: "arp", Counter: "resolving", Value: int64(s.Resolving)},
				{Subsystem: "arp", Counter: "resolved", Value: int64(s.Resolved)},
			}, nil
		},
	}
}
