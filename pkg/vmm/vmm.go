// Package vmm implements per-process address spaces on top of pkg/region
// (virtual range bookkeeping) and pkg/pm (physical frame ownership). It
// provides the page-table-shadow mapping a real kernel keeps in hardware
// page tables: a vaddr-to-frame map with per-mapping protection and a
// copy-on-write bit, used to implement fork, page faults, and the
// copyin/copyout primitives syscalls use to cross the user/kernel
// boundary.
package vmm

import (
	"slices"
	"sort"

	"github.com/sasha-s/go-deadlock"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
	"github.com/susmicrosystems/corekernel/pkg/pm"
	"github.com/susmicrosystems/corekernel/pkg/region"
)

// Prot is a bitmask of the permissions a mapping allows.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// ZoneFlags describes how a zone's pages are owned, mirroring vm_zone's
// flags word (shared/private/fixed).
type ZoneFlags uint8

const (
	// ZonePrivate means writes are copy-on-write: they never reach the
	// zone's backing file (if any) and are not visible to other mappings
	// of the same file.
	ZonePrivate ZoneFlags = 1 << iota
	// ZoneShared marks a zone as shared. The flag is only recorded:
	// Fault and CopyForFork treat a shared zone like a private one, so
	// writes reach neither other mappings nor a file backing.
	ZoneShared
	// ZoneFixed demands the zone land at exactly the requested address.
	ZoneFixed
)

// ZoneFaultFunc backs a zone's missing pages, mirroring struct
// vm_zone_op's fault(zone, off) -> page callback. off is the byte offset
// into the zone's backing (Zone.Offset already added); buf is exactly
// one PageSize long. A short read leaves the remainder of buf
// zero-filled, matching a regular file's trailing partial page. Zones
// with Fault == nil are anonymous: faults back them with a fresh
// zero-filled frame instead of calling out to a backing file.
type ZoneFaultFunc func(off int64, buf []byte) error

// Zone is a sub-region of an address space: one contiguous, page-aligned
// virtual range with its own protection, backing, and fault callback,
// the Go analogue of struct vm_zone. Zones are looked up by address on
// every fault; anonymous-private zones (Fault == nil) get a private
// zero-filled frame per page, file-backed zones call Fault to pull in
// their contents.
type Zone struct {
	Addr   uint64
	Size   uint64
	Prot   Prot
	Flags  ZoneFlags
	Offset int64 // starting byte offset into the backing, for file-backed zones
	Fault  ZoneFaultFunc
}

func (z *Zone) contains(va uint64) bool { return va >= z.Addr && va < z.Addr+z.Size }

// mapping is one page's entry in the address space's shadow page table.
type mapping struct {
	frame hal.Frame
	prot  Prot
	cow   bool
}

// AddressSpace is one process's virtual memory: a region allocator over
// its addressable range, an ordered list of zones, and a shadow page
// table mapping resident pages to physical frames.
type AddressSpace struct {
	mu     deadlock.Mutex
	pm     *pm.Manager
	arch   hal.Arch
	region *region.Region
	zones  []*Zone
	pages  map[uint64]*mapping
}

// New creates an address space spanning [base, base+size), entirely
// unmapped.
func New(pmgr *pm.Manager, arch hal.Arch, base, size uint64) *AddressSpace {
	return &AddressSpace{
		pm:     pmgr,
		arch:   arch,
		region: region.New(base, size),
		pages:  make(map[uint64]*mapping),
	}
}

func pageAlign(addr uint64) uint64 { return addr &^ (hal.PageSize - 1) }

// MapZone reserves z's virtual range — at z.Addr if non-zero, otherwise a
// free pick — and stitches z onto the space's zone list so Fault can
// dispatch to it later, the Go analogue of vm_alloc installing a struct
// vm_zone on vm_space.zones. Pages are not backed until faulted or
// explicitly Populate'd, so file-backed and anonymous zones alike are
// demand-paged.
func (a *AddressSpace) MapZone(z *Zone) (uint64, error) {
	if z.Size == 0 || z.Size%hal.PageSize != 0 {
		return 0, errors.ErrInvalid
	}
	base, err := a.region.Alloc(z.Addr, z.Size)
	if err != nil {
		return 0, err
	}
	z.Addr = base
	a.mu.Lock()
	a.zones = append(a.zones, z)
	sort.Slice(a.zones, func(i, j int) bool { return a.zones[i].Addr < a.zones[j].Addr })
	a.mu.Unlock()
	return base, nil
}

// Map is the common case of MapZone: an anonymous private zone, backed by
// fresh zero-filled frames. Unless lazy is true, every page is populated
// immediately instead of waiting for first fault.
func (a *AddressSpace) Map(addr, size uint64, prot Prot, lazy bool) (uint64, error) {
	base, err := a.MapZone(&Zone{Addr: addr, Size: size, Prot: prot, Flags: ZonePrivate})
	if err != nil {
		return 0, err
	}
	if lazy {
		return base, nil
	}
	if err := a.Populate(base, size); err != nil {
		_ = a.Unmap(base, size)
		return 0, err
	}
	return base, nil
}

// MapFile maps size bytes of file starting at fileOff as a zone at addr
// (or a free pick when addr is 0), with fault reading pages from fault on
// demand — the path a regular file's Node.Mmap feeds into, per spec
// §4.3's "file-backed zones" and §4.7's mmap file op.
func (a *AddressSpace) MapFile(addr, size uint64, prot Prot, flags ZoneFlags, fileOff int64, fault ZoneFaultFunc) (uint64, error) {
	if fault == nil {
		return 0, errors.ErrInvalid
	}
	return a.MapZone(&Zone{Addr: addr, Size: size, Prot: prot, Flags: flags, Offset: fileOff, Fault: fault})
}

func (a *AddressSpace) findZone(va uint64) *Zone {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, z := range a.zones {
		if z.contains(va) {
			return z
		}
	}
	return nil
}

func (a *AddressSpace) populateZone(z *Zone, va uint64) error {
	page, err := a.pm.AllocOne()
	if err != nil {
		return err
	}
	if z.Fault == nil {
		if err := a.arch.ZeroFrame(page.Offset); err != nil {
			_ = a.pm.Free(page)
			return err
		}
	} else {
		buf := make([]byte, hal.PageSize)
		off := z.Offset + int64(va-z.Addr)
		if err := z.Fault(off, buf); err != nil {
			_ = a.pm.Free(page)
			return err
		}
		if err := a.arch.WriteFrame(page.Offset, buf); err != nil {
			_ = a.pm.Free(page)
			return err
		}
	}
	a.mu.Lock()
	a.pages[va] = &mapping{frame: page.Offset, prot: z.Prot}
	a.mu.Unlock()
	return nil
}

// Populate backs every unmapped page in [addr, addr+size) through its
// covering zone's fault callback (or a fresh zero frame for anonymous
// zones), used to pre-fault a lazily mapped range (e.g. a stack guard
// region growing downward). Every page in the range must already lie
// inside some zone (installed by MapZone/Map/MapFile).
func (a *AddressSpace) Populate(addr, size uint64) error {
	if size == 0 || size%hal.PageSize != 0 {
		return errors.ErrInvalid
	}
	for off := uint64(0); off < size; off += hal.PageSize {
		va := addr + off
		a.mu.Lock()
		_, present := a.pages[va]
		a.mu.Unlock()
		if present {
			continue
		}
		z := a.findZone(va)
		if z == nil {
			return errors.ErrInvalid
		}
		if err := a.populateZone(z, va); err != nil {
			return err
		}
	}
	return nil
}

// Unmap releases [addr, addr+size), freeing any backing frames, dropping
// the zones whose Addr falls in the range, and returning the range to the
// address space's free list.
func (a *AddressSpace) Unmap(addr, size uint64) error {
	if size == 0 || size%hal.PageSize != 0 {
		return errors.ErrInvalid
	}
	a.mu.Lock()
	for off := uint64(0); off < size; off += hal.PageSize {
		va := addr + off
		if m, ok := a.pages[va]; ok {
			delete(a.pages, va)
			if page := a.pm.Get(m.frame); page != nil {
				_ = a.pm.Free(page)
			}
		}
	}
	a.zones = slices.DeleteFunc(a.zones, func(z *Zone) bool { return z.Addr >= addr && z.Addr < addr+size })
	a.mu.Unlock()
	return a.region.Free(addr, size)
}

// Protect changes the permission bits on every resident page in
// [addr, addr+size). Unmapped pages in the range are left untouched;
// they pick up the new protection only when later populated.
func (a *AddressSpace) Protect(addr, size uint64, prot Prot) error {
	if size == 0 || size%hal.PageSize != 0 {
		return errors.ErrInvalid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for off := uint64(0); off < size; off += hal.PageSize {
		if m, ok := a.pages[addr+off]; ok {
			m.prot = prot
		}
	}
	return nil
}

// Fault handles a page fault at addr: it locates the zone covering addr
// (per spec §4.3) and, if none, returns ErrInvalid — the SIGSEGV-equivalent
// case. A write against a page whose zone forbids ProtWrite returns
// ErrPerm. A write fault against a copy-on-write page duplicates the
// frame and clears the COW bit; a fault against an unmapped-but-zoned page
// calls the zone's fault callback (or zero-fills, if anonymous) to
// populate it on demand.
func (a *AddressSpace) Fault(addr uint64, write bool) error {
	va := pageAlign(addr)
	a.mu.Lock()
	m, present := a.pages[va]
	a.mu.Unlock()

	if !present {
		z := a.findZone(va)
		if z == nil {
			return errors.ErrInvalid // nothing zoned here: real segfault
		}
		if write && z.Prot&ProtWrite == 0 {
			return errors.ErrPerm
		}
		return a.populateZone(z, va)
	}
	if write && !m.cow && m.prot&ProtWrite == 0 {
		return errors.ErrPerm
	}
	if write && m.cow {
		return a.breakCOW(va, m)
	}
	return nil
}

// breakCOW duplicates a shared copy-on-write frame into a private one
// owned solely by this address space.
func (a *AddressSpace) breakCOW(va uint64, m *mapping) error {
	page, err := a.pm.AllocOne()
	if err != nil {
		return err
	}
	buf := make([]byte, hal.PageSize)
	if err := a.arch.ReadFrame(m.frame, buf); err != nil {
		_ = a.pm.Free(page)
		return err
	}
	if err := a.arch.WriteFrame(page.Offset, buf); err != nil {
		_ = a.pm.Free(page)
		return err
	}
	a.mu.Lock()
	if old := a.pm.Get(m.frame); old != nil {
		_ = a.pm.Free(old)
	}
	m.frame = page.Offset
	m.cow = false
	a.mu.Unlock()
	return nil
}

// CopyForFork duplicates this address space for a forked child: the free
// list is copied (via pkg/region's Dup), the zone list is copied (zones
// sharing the same backing and fault callback as the parent, matching a
// shared file mapping surviving fork), and every resident page is shared
// copy-on-write rather than duplicated up front, deferring the copy to
// Fault.
func (a *AddressSpace) CopyForFork() *AddressSpace {
	a.mu.Lock()
	defer a.mu.Unlock()
	child := &AddressSpace{
		pm:     a.pm,
		arch:   a.arch,
		region: a.region.Dup(),
		zones:  make([]*Zone, len(a.zones)),
		pages:  make(map[uint64]*mapping, len(a.pages)),
	}
	for i, z := range a.zones {
		cz := *z
		child.zones[i] = &cz
	}
	for va, m := range a.pages {
		m.cow = true
		if page := a.pm.Get(m.frame); page != nil {
			a.pm.Ref(page)
		}
		cp := *m
		child.pages[va] = &cp
	}
	return child
}

// Cleanup releases every resident frame. Called when a process exits.
// The zone list and the virtual range bookkeeping are left unchanged.
func (a *AddressSpace) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for va, m := range a.pages {
		if page := a.pm.Get(m.frame); page != nil {
			_ = a.pm.Free(page)
		}
		delete(a.pages, va)
	}
}

// FreeRanges returns a snapshot of the address space's unmapped virtual
// ranges, for diagnostics (e.g. procfs's "maps" file).
func (a *AddressSpace) FreeRanges() []region.Range {
	return a.region.FreeRanges()
}

// Copyout copies len(src) bytes from kernel memory to addr in this
// address space, one page at a time, enforcing write protection and
// breaking copy-on-write as needed. Mirrors the uio copyout path.
func (a *AddressSpace) Copyout(addr uint64, src []byte) error {
	return a.copyCross(addr, src, true)
}

// Copyin copies len(dst) bytes from addr in this address space into
// kernel memory.
func (a *AddressSpace) Copyin(addr uint64, dst []byte) error {
	return a.copyCross(addr, dst, false)
}

func (a *AddressSpace) copyCross(addr uint64, buf []byte, out bool) error {
	remaining := buf
	va := addr
	for len(remaining) > 0 {
		pageBase := pageAlign(va)
		pageOff := va - pageBase
		n := hal.PageSize - pageOff
		if uint64(len(remaining)) < n {
			n = uint64(len(remaining))
		}
		if out {
			if err := a.Fault(va, true); err != nil {
				return err
			}
		} else {
			if err := a.Fault(va, false); err != nil {
				return err
			}
		}
		a.mu.Lock()
		m := a.pages[pageBase]
		a.mu.Unlock()
		if m == nil {
			return errors.ErrInvalid
		}
		frameBuf := make([]byte, hal.PageSize)
		if err := a.arch.ReadFrame(m.frame, frameBuf); err != nil {
			return err
		}
		if out {
			copy(frameBuf[pageOff:pageOff+n], remaining[:n])
			if err := a.arch.WriteFrame(m.frame, frameBuf); err != nil {
				return err
			}
		} else {
			copy(remaining[:n], frameBuf[pageOff:pageOff+n])
		}
		remaining = remaining[n:]
		va += n
	}
	return nil
}

// CopyinString reads a NUL-terminated string starting at addr, up to max
// bytes, returning ErrOverflow if no terminator is found in time.
func (a *AddressSpace) CopyinString(addr uint64, max int) (string, error) {
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 1)
	for i := 0; i < max; i++ {
		if err := a.Copyin(addr+uint64(i), chunk); err != nil {
			return "", err
		}
		if chunk[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, chunk[0])
	}
	return "", errors.ErrOverflow
}
