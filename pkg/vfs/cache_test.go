package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

type stubNode struct{ ino uint64 }

func (s *stubNode) Ino() uint64                                { return s.ino }
func (s *stubNode) GetAttr() Attr                               { return Attr{} }
func (s *stubNode) SetAttr(Attr) error                          { return nil }
func (s *stubNode) Lookup(string) (Node, error)                 { return nil, nil }
func (s *stubNode) Create(string, Mode) (Node, error)            { return nil, nil }
func (s *stubNode) Mkdir(string, Mode) (Node, error)             { return nil, nil }
func (s *stubNode) Unlink(string) error                          { return nil }
func (s *stubNode) Rmdir(string) error                           { return nil }
func (s *stubNode) Readdir(func(DirEntry) bool) error            { return nil }
func (s *stubNode) Link(string, Node) error                      { return nil }
func (s *stubNode) Rename(string, Node, string) error            { return nil }
func (s *stubNode) ReadAt([]byte, int64) (int, error)            { return 0, nil }
func (s *stubNode) WriteAt([]byte, int64) (int, error)           { return 0, nil }
func (s *stubNode) Truncate(int64) error                         { return nil }
func (s *stubNode) Mmap(int64, int) (vmm.ZoneFaultFunc, error)   { return nil, nil }
func (s *stubNode) Readlink() (string, error)                    { return "", nil }
func (s *stubNode) Symlink(string, string) (Node, error)         { return nil, nil }

func TestCacheInsertThenLookupReturnsSameNode(t *testing.T) {
	c := newNodeCache(4)
	n := &stubNode{ino: 7}
	c.Insert(7, n)
	got, ok := c.Lookup(7)
	require.True(t, ok)
	require.Same(t, n, got)
}

func TestCacheInsertDuplicateReturnsExisting(t *testing.T) {
	c := newNodeCache(4)
	first := &stubNode{ino: 1}
	second := &stubNode{ino: 1}
	got := c.Insert(1, first)
	require.Same(t, first, got)
	got = c.Insert(1, second)
	require.Same(t, first, got, "second insert of the same ino must not replace the cached node")
}

func TestCacheReleaseRemovesEntryAtZeroRefs(t *testing.T) {
	c := newNodeCache(4)
	n := &stubNode{ino: 9}
	c.Insert(9, n) // refs=1
	c.Release(9)   // refs=0, entry removed

	_, ok := c.Lookup(9)
	require.False(t, ok)
}

func TestCacheReleaseDecrementsWithoutRemovingWhileReferenced(t *testing.T) {
	c := newNodeCache(4)
	n := &stubNode{ino: 3}
	c.Insert(3, n)   // refs=1
	c.Lookup(3)      // refs=2
	c.Release(3)     // refs=1, still cached

	got, ok := c.Lookup(3)
	require.True(t, ok)
	require.Same(t, n, got)
}

func TestCacheBucketCountIsPowerOfTwo(t *testing.T) {
	c := newNodeCache(10)
	require.Equal(t, 16, len(c.buckets))
}
