package pm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: 16 * 1024 * 1024})
	m, err := New(arch)
	require.NoError(t, err)
	return m
}

func TestAllocOneUniqueFrames(t *testing.T) {
	m := newTestManager(t)
	seen := map[hal.Frame]bool{}
	for i := 0; i < 64; i++ {
		page, err := m.AllocOne()
		require.NoError(t, err)
		require.False(t, seen[page.Offset], "frame %d allocated twice", page.Offset)
		seen[page.Offset] = true
		require.EqualValues(t, 1, page.RefCount())
	}
}

func TestFreeReleasesFrameForReuse(t *testing.T) {
	m := newTestManager(t)
	page, err := m.AllocOne()
	require.NoError(t, err)
	off := page.Offset
	require.NoError(t, m.Free(page))

	page2, err := m.AllocOne()
	require.NoError(t, err)
	require.Equal(t, off, page2.Offset, "freed frame should be the first-free candidate again")
}

func TestRefKeepsPageAliveUntilLastFree(t *testing.T) {
	m := newTestManager(t)
	page, err := m.AllocOne()
	require.NoError(t, err)
	m.Ref(page)
	require.EqualValues(t, 2, page.RefCount())

	require.NoError(t, m.Free(page))
	require.EqualValues(t, 1, page.RefCount())

	off := page.Offset
	require.NoError(t, m.Free(page))
	require.EqualValues(t, 0, page.RefCount())

	got, err := m.Fetch(off)
	require.NoError(t, err)
	require.Equal(t, off, got.Offset)
}

func TestAllocContiguousFindsRun(t *testing.T) {
	m := newTestManager(t)
	page, err := m.AllocContiguous(8)
	require.NoError(t, err)
	for i := uint64(0); i < 8; i++ {
		got := m.Get(page.Offset + hal.Frame(i))
		require.NotNil(t, got)
		require.EqualValues(t, 1, got.RefCount())
	}
}

func TestAllocContiguousSkipsAllocatedHoles(t *testing.T) {
	m := newTestManager(t)
	first, err := m.AllocOne()
	require.NoError(t, err)

	hole, err := m.AllocOne()
	require.NoError(t, err)
	require.NoError(t, m.Free(first))

	run, err := m.AllocContiguous(4)
	require.NoError(t, err)
	require.NotEqual(t, hole.Offset, run.Offset)
}

func TestAllocExhaustsPool(t *testing.T) {
	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: 16 * 1024 * 1024})
	m, err := New(arch)
	require.NoError(t, err)

	total := arch.FrameCount()
	var allocated uint64
	for {
		if _, err := m.AllocOne(); err != nil {
			require.ErrorIs(t, err, errors.ErrNoMem)
			break
		}
		allocated++
		if allocated > total {
			t.Fatal("allocator never ran out of memory")
		}
	}
	require.LessOrEqual(t, allocated, total)
}

func TestGetOutsideAnyPoolReturnsNil(t *testing.T) {
	m := newTestManager(t)
	require.Nil(t, m.Get(hal.Frame(1<<40)))
}

func TestNewRejectsTooSmallRanges(t *testing.T) {
	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: 4096})
	_, err := New(arch)
	require.Error(t, err)
}
