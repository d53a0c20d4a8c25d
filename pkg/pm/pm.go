// Package pm is the physical page pool: it hands out and reclaims frames
// of physical memory discovered from the HAL's firmware memory map, one
// pool per usable range, each tracked with a bitmap and a first-free hint
// so allocation stays O(1) amortized in the common case.
package pm

import (
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
)

const bitsPerWord = 64

// minPoolBytes is the smallest firmware-reported range turned into a pool;
// smaller ranges are skipped as not worth the bookkeeping overhead.
const minPoolBytes = 16 * 1024 * 1024

// Page mirrors struct page: one per physical frame, refcounted so shared
// mappings (fork, page cache) can be freed exactly once.
type Page struct {
	Offset   hal.Frame
	flags    uint32
	refcount int32
}

func (p *Page) Flags() uint32 { return atomic.LoadUint32(&p.flags) }
func (p *Page) SetFlags(f uint32) { atomic.StoreUint32(&p.flags, f) }

// RefCount returns the page's current reference count.
func (p *Page) RefCount() int32 { return atomic.LoadInt32(&p.refcount) }

type pool struct {
	mu              deadlock.Mutex
	offset          hal.Frame // first frame this pool covers
	count           uint64    // number of frames
	used            uint64
	bitmap          []uint64
	bitmapFirstFree uint64
	pages           []Page
}

func newPool(offset hal.Frame, count uint64) *pool {
	words := (count + bitsPerWord - 1) / bitsPerWord
	p := &pool{
		offset: offset,
		count:  count,
		bitmap: make([]uint64, words),
		pages:  make([]Page, count),
	}
	for i := range p.pages {
		p.pages[i] = Page{Offset: offset + hal.Frame(i)}
	}
	return p
}

func (p *pool) contains(off hal.Frame) bool {
	return off >= p.offset && off < p.offset+hal.Frame(p.count)
}

// updateFirstFree scans forward from start for the next clear bit. Callers
// hold p.mu. Mirrors update_pm_bitmap_first_free in original_source/mem/pm.c.
func (p *pool) updateFirstFree(start uint64) {
	for i := start / bitsPerWord; i < uint64(len(p.bitmap)); i++ {
		if p.bitmap[i] == ^uint64(0) {
			continue
		}
		for j := uint64(0); j < bitsPerWord; j++ {
			if p.bitmap[i]&(1<<j) == 0 {
				p.bitmapFirstFree = i*bitsPerWord + j
				return
			}
		}
	}
	p.bitmapFirstFree = p.count // exhausted
}

func (p *pool) bitSet(off uint64) {
	p.bitmap[off/bitsPerWord] |= 1 << (off % bitsPerWord)
}

func (p *pool) bitClear(off uint64) {
	p.bitmap[off/bitsPerWord] &^= 1 << (off % bitsPerWord)
}

func (p *pool) bitTest(off uint64) bool {
	return p.bitmap[off/bitsPerWord]&(1<<(off%bitsPerWord)) != 0
}

// Manager owns every page pool discovered at boot and is the sole entry
// point allocators above it (region, slab, vmm) use to get physical frames.
type Manager struct {
	arch  hal.Arch
	pools []*pool
}

// New discovers pools from arch's memory map, skipping any range under
// 16MiB, and returns a ready Manager. Mirrors pm_init's memory_iterator.
func New(arch hal.Arch) (*Manager, error) {
	m := &Manager{arch: arch}
	for _, r := range arch.MemoryMap() {
		if r.Size < minPoolBytes {
			continue
		}
		off := hal.Frame(r.Addr / hal.PageSize)
		count := r.Size / hal.PageSize
		m.pools = append(m.pools, newPool(off, count))
	}
	if len(m.pools) == 0 {
		return nil, errors.New("pm: no usable memory ranges found")
	}
	return m, nil
}

// AllocOne allocates a single free frame, referencing it once.
func (m *Manager) AllocOne() (*Page, error) {
	for _, p := range m.pools {
		p.mu.Lock()
		if p.bitmapFirstFree >= p.count {
			p.mu.Unlock()
			continue
		}
		off := p.bitmapFirstFree
		page := &p.pages[off]
		if p.bitTest(off) {
			p.mu.Unlock()
			panic("pm: corrupt first-free hint")
		}
		p.bitSet(off)
		atomic.AddInt32(&page.refcount, 1)
		p.updateFirstFree(off)
		p.used++
		p.mu.Unlock()
		return page, nil
	}
	return nil, errors.ErrNoMem
}

// AllocContiguous allocates nb contiguous frames as a single run, returning
// the first page. Mirrors pm_alloc_pages's first-fit contiguous scan.
func (m *Manager) AllocContiguous(nb uint64) (*Page, error) {
	if nb == 0 {
		return nil, errors.ErrInvalid
	}
	for _, p := range m.pools {
		p.mu.Lock()
		page, ok := p.allocContiguousLocked(nb)
		p.mu.Unlock()
		if ok {
			return page, nil
		}
	}
	return nil, errors.ErrNoMem
}

func (p *pool) allocContiguousLocked(nb uint64) (*Page, bool) {
	if p.bitmapFirstFree >= p.count {
		return nil, false
	}
outer:
	for off := p.bitmapFirstFree; off+nb <= p.count; off++ {
		if p.bitTest(off) {
			continue
		}
		for k := uint64(1); k < nb; k++ {
			if p.bitTest(off + k) {
				continue outer
			}
		}
		for k := uint64(0); k < nb; k++ {
			atomic.AddInt32(&p.pages[off+k].refcount, 1)
			p.bitSet(off + k)
		}
		if p.bitmapFirstFree == off {
			p.updateFirstFree(off + nb)
		}
		p.used += nb
		return &p.pages[off], true
	}
	return nil, false
}

// Free drops one reference on page, releasing its frame back to the pool
// once the refcount reaches zero.
func (m *Manager) Free(page *Page) error {
	if page == nil {
		return nil
	}
	for _, p := range m.pools {
		if !p.contains(page.Offset) {
			continue
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if atomic.LoadInt32(&page.refcount) == 0 {
			panic("pm: double free of page")
		}
		if atomic.AddInt32(&page.refcount, -1) > 0 {
			return nil
		}
		delta := uint64(page.Offset - p.offset)
		if !p.bitTest(delta) {
			panic("pm: free of unallocated page")
		}
		p.bitClear(delta)
		if delta < p.bitmapFirstFree {
			p.bitmapFirstFree = delta
		}
		p.used--
		return nil
	}
	panic("pm: free of invalid page")
}

// FreeAll releases a contiguous run of pages, as returned by AllocContiguous.
func (m *Manager) FreeAll(page *Page, n uint64) {
	for _, p := range m.pools {
		if !p.contains(page.Offset) {
			continue
		}
		for i := uint64(0); i < n; i++ {
			_ = m.Free(&p.pages[uint64(page.Offset-p.offset)+i])
		}
		return
	}
}

// Ref increments page's reference count without allocating.
func (m *Manager) Ref(page *Page) {
	atomic.AddInt32(&page.refcount, 1)
}

// Get returns the Page backing frame off, or nil if off is outside every
// pool.
func (m *Manager) Get(off hal.Frame) *Page {
	for _, p := range m.pools {
		if p.contains(off) {
			return &p.pages[off-p.offset]
		}
	}
	return nil
}

// Fetch returns the page at off, marking it allocated if it was previously
// free and taking one reference on it either way. Used to claim frames reserved out-of-band
// (e.g. frames the HAL already dedicated to boot structures).
func (m *Manager) Fetch(off hal.Frame) (*Page, error) {
	for _, p := range m.pools {
		if !p.contains(off) {
			continue
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		delta := uint64(off - p.offset)
		if !p.bitTest(delta) {
			p.bitSet(delta)
			p.used++
		}
		page := &p.pages[delta]
		atomic.AddInt32(&page.refcount, 1)
		if delta == p.bitmapFirstFree {
			p.updateFirstFree(p.bitmapFirstFree)
		}
		return page, nil
	}
	return nil, errors.ErrNotFound
}

// Stats summarizes one pool's occupancy, exposed for pkg/kstat.
type Stats struct {
	Offset hal.Frame
	Count  uint64
	Used   uint64
}

// Stats returns one entry per discovered pool.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		p.mu.Lock()
		out = append(out, Stats{Offset: p.offset, Count: p.count, Used: p.used})
		p.mu.Unlock()
	}
	return out
}
