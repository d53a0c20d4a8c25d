package vfs

import (
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
)

// nodeCache is a superblock's inode cache: a fixed power-of-two bucket
// array keyed by inode number, so repeated lookups of the same file
// return the identical Node rather than a fresh one. Each entry carries
// a reference count; Release removes the entry from its bucket before
// the last reference is dropped, never after, so a concurrent Acquire
// can never observe a node that is in the middle of being torn down.
type nodeCache struct {
	mu      deadlock.Mutex
	buckets [][]*cacheEntry
	mask    uint64
}

type cacheEntry struct {
	ino  uint64
	node Node
	refs int32
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func newNodeCache(hint int) *nodeCache {
	if hint < 16 {
		hint = 16
	}
	n := nextPow2(hint)
	return &nodeCache{
		buckets: make([][]*cacheEntry, n),
		mask:    uint64(n - 1),
	}
}

func (c *nodeCache) bucket(ino uint64) int {
	return int(ino & c.mask)
}

// Lookup returns the cached node for ino and bumps its refcount, or
// (nil, false) if it isn't cached.
func (c *nodeCache) Lookup(ino uint64) (Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(ino)
	for _, e := range c.buckets[b] {
		if e.ino == ino {
			atomic.AddInt32(&e.refs, 1)
			return e.node, true
		}
	}
	return nil, false
}

// Insert adds node under ino with an initial refcount of 1. If ino is
// already cached, the existing entry's node is returned instead (its
// refcount bumped) and node is discarded, keeping node identity unique
// per inode.
func (c *nodeCache) Insert(ino uint64, node Node) Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(ino)
	for _, e := range c.buckets[b] {
		if e.ino == ino {
			atomic.AddInt32(&e.refs, 1)
			return e.node
		}
	}
	c.buckets[b] = append(c.buckets[b], &cacheEntry{ino: ino, node: node, refs: 1})
	return node
}

// Len returns the number of nodes currently cached, exposed for pkg/kstat.
func (c *nodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.buckets {
		n += len(b)
	}
	return n
}

// Release drops a reference to ino. When the count reaches zero the
// entry is removed from its bucket under the cache lock before
// returning, matching node_free's remove-before-release discipline.
func (c *nodeCache) Release(ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(ino)
	for i, e := range c.buckets[b] {
		if e.ino != ino {
			continue
		}
		if atomic.AddInt32(&e.refs, -1) == 0 {
			c.buckets[b] = append(c.buckets[b][:i], c.buckets[b][i+1:]...)
		}
		return
	}
}
