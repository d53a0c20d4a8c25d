// Package region implements the address-space range allocator used to
// carve virtual address regions (the kernel heap, a process's mmap area)
// into page-aligned spans. It tracks free space as an ordered, coalesced
// list of ranges and supports both hinted ("give me exactly this address")
// and anonymous ("give me size bytes somewhere") allocation.
package region

import (
	"sort"

	"github.com/sasha-s/go-deadlock"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
)

// Range is a page-aligned, half-open span [Addr, Addr+Size).
type Range struct {
	Addr uint64
	Size uint64
}

func (r Range) end() uint64 { return r.Addr + r.Size }

func aligned(addr, size uint64) bool {
	return addr%hal.PageSize == 0 && size%hal.PageSize == 0
}

// Region owns one address-space span and tracks which parts of it are
// free. The original allocator special-cased an empty free list to mean
// "entirely free" so it never needed to allocate a bootstrap node off its
// own slab mid-recursion; a Go slice has no such hazard, so a Region
// starts with a single free range covering the whole span instead.
type Region struct {
	mu   deadlock.Mutex
	addr uint64
	size uint64
	free []Range // sorted ascending by Addr, no two entries adjacent or overlapping
}

// New creates a Region spanning [addr, addr+size), entirely free.
func New(addr, size uint64) *Region {
	return &Region{
		addr: addr,
		size: size,
		free: []Range{{Addr: addr, Size: size}},
	}
}

// Alloc carves size bytes out of the region. If addr is non-zero it is
// taken as a mandatory placement (used for fixed mappings); otherwise the
// first free range large enough is used. Returns the allocated address.
func (r *Region) Alloc(addr, size uint64) (uint64, error) {
	if !aligned(addr, size) || size == 0 {
		return 0, errors.ErrInvalid
	}
	end := addr + size
	if end < addr {
		return 0, errors.ErrOverflow
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr != 0 && (addr < r.addr || end > r.addr+r.size) {
		return 0, errors.ErrNoMem
	}

	if addr != 0 {
		for i, f := range r.free {
			if addr < f.Addr {
				return 0, errors.ErrNoMem // ranges are ascending; a gap means addr is already allocated
			}
			if addr >= f.end() || end > f.end() {
				continue
			}
			switch {
			case f.Addr == addr && f.Size == size:
				r.free = append(r.free[:i], r.free[i+1:]...)
			case f.Addr == addr:
				r.free[i].Addr += size
				r.free[i].Size -= size
			case end == f.end():
				r.free[i].Size -= size
			default:
				tail := Range{Addr: end, Size: f.end() - end}
				r.free[i].Size = addr - f.Addr
				r.free = insertAt(r.free, i+1, tail)
			}
			return addr, nil
		}
		return 0, errors.ErrNoMem
	}

	for i, f := range r.free {
		if f.Size < size {
			continue
		}
		ret := f.Addr
		if f.Size == size {
			r.free = append(r.free[:i], r.free[i+1:]...)
		} else {
			r.free[i].Addr += size
			r.free[i].Size -= size
		}
		return ret, nil
	}
	return 0, errors.ErrNoMem
}

func insertAt(s []Range, i int, v Range) []Range {
	s = append(s, Range{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Free returns [addr, addr+size) to the free list, coalescing with
// adjacent free ranges on either side.
func (r *Region) Free(addr, size uint64) error {
	if !aligned(addr, size) || size == 0 {
		return errors.ErrInvalid
	}
	end := addr + size
	if end < addr {
		return errors.ErrOverflow
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.free), func(i int) bool { return r.free[i].Addr >= addr })

	mergeLeft := i > 0 && r.free[i-1].end() == addr
	mergeRight := i < len(r.free) && r.free[i].Addr == end

	switch {
	case mergeLeft && mergeRight:
		r.free[i-1].Size += size + r.free[i].Size
		r.free = append(r.free[:i], r.free[i+1:]...)
	case mergeLeft:
		r.free[i-1].Size += size
	case mergeRight:
		r.free[i].Addr = addr
		r.free[i].Size += size
	default:
		r.free = insertAt(r.free, i, Range{Addr: addr, Size: size})
	}
	return nil
}

// Test reports whether [addr, addr+size) is entirely free.
func (r *Region) Test(addr, size uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := addr + size
	for _, f := range r.free {
		if f.Addr > addr {
			break // ranges are ascending; nothing further can contain addr
		}
		if end <= f.end() {
			return true
		}
	}
	return false
}

// Dup returns a deep copy of the region's free-list state, used when a
// process's address space is duplicated (fork).
func (r *Region) Dup() *Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := &Region{addr: r.addr, size: r.size, free: make([]Range, len(r.free))}
	copy(cp.free, r.free)
	return cp
}

// FreeRanges returns a snapshot of the region's current free list, for
// diagnostics (pkg/kstat) and tests.
func (r *Region) FreeRanges() []Range {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Range, len(r.free))
	copy(out, r.free)
	return out
}
