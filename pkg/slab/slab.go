// Package slab implements a fixed-size object allocator (the "SMA" of the
// original kernel): objects of one size are carved out of page-multiple
// slabs tracked with a bitmap, and slabs move between empty, partial, and
// full states as their occupancy changes. One warm (already backed) empty
// slab is kept per cache so a free immediately followed by an alloc of the
// same size doesn't pay for a fresh backing allocation.
//
// The original packed several slab headers into one PAGE_SIZE "meta" block
// to amortize metadata allocation; Go has no equivalent pointer-arithmetic
// layout constraint, so a Cache here tracks slabs directly in three queues
// without the meta grouping. The bitmap/first-free/tri-state machinery and
// the warm-empty retention rule are otherwise unchanged.
package slab

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
)

const bitmapBPW = 64

// bitmapMinSize must never be 1: that would collapse the partial/full
// distinction a single-object slab needs.
const bitmapMinSize = 8

// Ctor and Dtor run over every object's backing bytes when a slab is
// physically allocated or torn down, mirroring sma_ctr_t/sma_dtr_t.
type Ctor func([]byte)
type Dtor func([]byte)

type slabState int

const (
	stateEmpty slabState = iota
	statePartial
	stateFull
)

type cacheSlab struct {
	addr      []byte // nil when not physically backed
	state     slabState
	firstFree uint64
	bitmap    []uint64
}

// Object is a handle to one allocated, fixed-size block. It is returned by
// Alloc and consumed by Free/Move/Own instead of a raw pointer, since Go
// gives no portable way to recover a slab/offset from an aliased slice.
type Object struct {
	cache *Cache
	slab  *cacheSlab
	index uint64
}

// Bytes returns the object's backing memory, exactly dataSize long.
func (o *Object) Bytes() []byte {
	return o.slab.addr[o.index*o.cache.dataSize : (o.index+1)*o.cache.dataSize]
}

// Stats mirrors struct sma_stats, renamed for Go idiom.
type Stats struct {
	NAlloc        uint64
	NFree         uint64
	NCurrent      uint64
	NSlabs        uint64
	NAllocPages   uint64
	NFreePages    uint64
	NCurrentPages uint64
}

// Cache is one fixed-size object allocator, analogous to struct sma.
type Cache struct {
	mu           deadlock.Mutex
	name         string
	ctor         Ctor
	dtor         Dtor
	dataSize     uint64
	bitmapCount  uint64
	bitmapWords  uint64
	slabSize     uint64
	partial      []*cacheSlab
	full         []*cacheSlab
	empty        []*cacheSlab
	stats        Stats
}

// New creates a Cache for fixed dataSize objects. name is used for
// diagnostics (pkg/kstat, the sysfs cache listing) and may be empty.
func New(dataSize uint64, ctor Ctor, dtor Dtor, name string) *Cache {
	if dataSize == 0 {
		panic("slab: zero data size")
	}
	c := &Cache{name: name, ctor: ctor, dtor: dtor, dataSize: dataSize}
	if dataSize < hal.PageSize/bitmapMinSize {
		c.bitmapCount = hal.PageSize / dataSize
		if c.bitmapCount < bitmapMinSize {
			c.bitmapCount = bitmapMinSize
		}
	} else {
		c.bitmapCount = bitmapMinSize
	}
	c.bitmapWords = (c.bitmapCount + bitmapBPW - 1) / bitmapBPW
	slabSize := dataSize * c.bitmapCount
	if rem := slabSize % hal.PageSize; rem != 0 {
		slabSize += hal.PageSize - rem
	}
	c.slabSize = slabSize
	return c
}

func newUnbackedSlab(bitmapWords uint64) *cacheSlab {
	return &cacheSlab{state: stateEmpty, bitmap: make([]uint64, bitmapWords)}
}

func (s *cacheSlab) bitSet(off uint64)      { s.bitmap[off/bitmapBPW] |= 1 << (off % bitmapBPW) }
func (s *cacheSlab) bitClear(off uint64)    { s.bitmap[off/bitmapBPW] &^= 1 << (off % bitmapBPW) }
func (s *cacheSlab) bitTest(off uint64) bool {
	return s.bitmap[off/bitmapBPW]&(1<<(off%bitmapBPW)) != 0
}

// backSlab physically allocates a slab's storage and runs the cache's
// constructor over every object in it. Mirrors slab_ctr.
func (c *Cache) backSlab(s *cacheSlab) {
	s.addr = make([]byte, c.slabSize)
	c.stats.NAllocPages += c.slabSize / hal.PageSize
	c.stats.NCurrentPages += c.slabSize / hal.PageSize
	c.stats.NSlabs++
	if c.ctor != nil {
		for i := uint64(0); i < c.bitmapCount; i++ {
			c.ctor(s.addr[i*c.dataSize : (i+1)*c.dataSize])
		}
	}
}

// unbackSlab tears down a slab's storage. Mirrors slab_dtr.
func (c *Cache) unbackSlab(s *cacheSlab) {
	if c.dtor != nil {
		for i := uint64(0); i < c.bitmapCount; i++ {
			c.dtor(s.addr[i*c.dataSize : (i+1)*c.dataSize])
		}
	}
	c.stats.NFreePages += c.slabSize / hal.PageSize
	c.stats.NCurrentPages -= c.slabSize / hal.PageSize
	c.stats.NSlabs--
	s.addr = nil
}

// updateFirstFree recomputes a partial slab's first-free hint, promoting
// it to full if every bit is now set. Mirrors update_first_free.
func (c *Cache) updateFirstFree(s *cacheSlab) {
	for i := uint64(0); i < c.bitmapWords; i++ {
		word := s.bitmap[i]
		if word == ^uint64(0) {
			continue
		}
		for j := uint64(0); j < bitmapBPW; j++ {
			if word&(1<<j) != 0 {
				continue
			}
			ret := i*bitmapBPW + j
			if ret >= c.bitmapCount {
				c.promoteToFull(s)
				return
			}
			s.firstFree = ret
			return
		}
	}
	c.promoteToFull(s)
}

func (c *Cache) promoteToFull(s *cacheSlab) {
	c.partial = removeSlab(c.partial, s)
	s.state = stateFull
	c.full = append(c.full, s)
}

// checkFreeSlab demotes a slab after a bit was cleared in it: full slabs
// become partial, and a slab left with no set bits becomes empty, keeping
// at most one backed ("warm") empty slab per cache. Mirrors check_free_slab.
func (c *Cache) checkFreeSlab(s *cacheSlab) {
	if s.state == stateFull {
		c.full = removeSlab(c.full, s)
		s.state = statePartial
		c.partial = append([]*cacheSlab{s}, c.partial...)
		return
	}
	for i := uint64(0); i < c.bitmapWords; i++ {
		if s.bitmap[i] != 0 {
			return
		}
	}
	c.partial = removeSlab(c.partial, s)
	s.state = stateEmpty
	if len(c.empty) > 0 && c.empty[0].addr != nil {
		c.unbackSlab(s)
		c.empty = append(c.empty, s)
	} else {
		c.empty = append([]*cacheSlab{s}, c.empty...)
	}
}

func removeSlab(list []*cacheSlab, s *cacheSlab) []*cacheSlab {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// getFreeBlock returns an object from the first partial slab, or backs and
// promotes the front empty slab if no partial slab has room. Mirrors
// get_free_block.
func (c *Cache) getFreeBlock() *Object {
	if len(c.partial) > 0 {
		s := c.partial[0]
		ret := s.firstFree
		s.bitSet(ret)
		c.updateFirstFree(s)
		return &Object{cache: c, slab: s, index: ret}
	}
	if len(c.empty) == 0 {
		return nil
	}
	s := c.empty[0]
	if s.addr == nil {
		c.backSlab(s)
	}
	c.empty = c.empty[1:]
	s.state = statePartial
	s.bitSet(0)
	s.firstFree = 1
	c.partial = append([]*cacheSlab{s}, c.partial...)
	return &Object{cache: c, slab: s, index: 0}
}

// Alloc returns a new zero-or-garbage object. If zero is true the object's
// bytes are cleared before being returned, mirroring the M_ZERO flag.
func (c *Cache) Alloc(zero bool) (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.getFreeBlock()
	if obj == nil {
		s := newUnbackedSlab(c.bitmapWords)
		c.backSlab(s)
		s.state = statePartial
		s.bitSet(0)
		s.firstFree = 1
		c.partial = append([]*cacheSlab{s}, c.partial...)
		obj = &Object{cache: c, slab: s, index: 0}
	}
	c.stats.NAlloc++
	c.stats.NCurrent++
	if zero {
		b := obj.Bytes()
		for i := range b {
			b[i] = 0
		}
	}
	return obj, nil
}

// Free releases obj back to its cache.
func (c *Cache) Free(obj *Object) error {
	if obj == nil {
		return errors.ErrInvalid
	}
	if obj.cache != c {
		return errors.ErrInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !obj.slab.bitTest(obj.index) {
		panic("slab: double free")
	}
	obj.slab.bitClear(obj.index)
	if obj.index < obj.slab.firstFree {
		obj.slab.firstFree = obj.index
	}
	c.checkFreeSlab(obj.slab)
	c.stats.NFree++
	c.stats.NCurrent--
	return nil
}

// Own reports whether obj was allocated from this cache.
func (c *Cache) Own(obj *Object) bool {
	return obj != nil && obj.cache == c
}

// Move reallocates obj's bytes into dst, copying min(dataSize) bytes and
// freeing obj from its source cache. Used to migrate an object between
// size classes (e.g. growing a small buffer into a larger one).
func Move(dst *Cache, obj *Object, zero bool) (*Object, error) {
	if obj == nil {
		return nil, errors.ErrInvalid
	}
	src := obj.cache
	newObj, err := dst.Alloc(false)
	if err != nil {
		return nil, err
	}
	srcBytes := obj.Bytes()
	dstBytes := newObj.Bytes()
	n := copy(dstBytes, srcBytes)
	if zero {
		for i := n; i < len(dstBytes); i++ {
			dstBytes[i] = 0
		}
	}
	if err := src.Free(obj); err != nil {
		return nil, err
	}
	return newObj, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Name returns the cache's diagnostic name.
func (c *Cache) Name() string { return c.name }

// Destroy tears down every slab the cache owns. The cache must not be used
// afterward.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.partial {
		if s.addr != nil {
			c.unbackSlab(s)
		}
	}
	for _, s := range c.full {
		if s.addr != nil {
			c.unbackSlab(s)
		}
	}
	for _, s := range c.empty {
		if s.addr != nil {
			c.unbackSlab(s)
		}
	}
	c.partial, c.full, c.empty = nil, nil, nil
}
