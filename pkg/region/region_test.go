package region

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/hal"
)

const pg = hal.PageSize

func TestAllocAnonymousCarvesFromFront(t *testing.T) {
	r := New(0, 16*pg)
	addr, err := r.Alloc(0, 4*pg)
	require.NoError(t, err)
	require.EqualValues(t, 0, addr)
	require.False(t, r.Test(0, 4*pg))
	require.True(t, r.Test(4*pg, pg))
}

func TestAllocHintedExactMatch(t *testing.T) {
	r := New(0, 16*pg)
	addr, err := r.Alloc(8*pg, 2*pg)
	require.NoError(t, err)
	require.EqualValues(t, 8*pg, addr)
	require.False(t, r.Test(8*pg, 2*pg))
}

func TestAllocHintedRejectsAlreadyTaken(t *testing.T) {
	r := New(0, 16*pg)
	_, err := r.Alloc(0, 4*pg)
	require.NoError(t, err)
	_, err = r.Alloc(2*pg, pg)
	require.Error(t, err)
}

func TestAllocRejectsMisalignedOrOversized(t *testing.T) {
	r := New(0, 4*pg)
	_, err := r.Alloc(0, pg+1)
	require.Error(t, err)
	_, err = r.Alloc(0, 100*pg)
	require.Error(t, err)
}

func TestFreeCoalescesBothNeighbors(t *testing.T) {
	r := New(0, 16*pg)
	// Carve three adjacent 1-page allocations out of the front.
	_, err := r.Alloc(0, pg)
	require.NoError(t, err)
	_, err = r.Alloc(pg, pg)
	require.NoError(t, err)
	_, err = r.Alloc(2*pg, pg)
	require.NoError(t, err)

	require.NoError(t, r.Free(0, pg))
	require.NoError(t, r.Free(2*pg, pg))
	// Freeing the middle page should merge with both the left and right
	// free ranges into a single 16-page run.
	require.NoError(t, r.Free(pg, pg))

	ranges := r.FreeRanges()
	require.Len(t, ranges, 1)
	require.EqualValues(t, 0, ranges[0].Addr)
	require.EqualValues(t, 16*pg, ranges[0].Size)
}

func TestFreeWithoutNeighborsInsertsNewRange(t *testing.T) {
	r := New(0, 16*pg)
	_, err := r.Alloc(0, 16*pg)
	require.NoError(t, err)
	require.NoError(t, r.Free(4*pg, pg))
	ranges := r.FreeRanges()
	require.Len(t, ranges, 1)
	require.EqualValues(t, 4*pg, ranges[0].Addr)
	require.EqualValues(t, pg, ranges[0].Size)
}

func TestDupIsIndependentCopy(t *testing.T) {
	r := New(0, 16*pg)
	_, err := r.Alloc(0, 4*pg)
	require.NoError(t, err)

	dup := r.Dup()
	_, err = dup.Alloc(4*pg, 4*pg)
	require.NoError(t, err)

	require.True(t, r.Test(4*pg, 4*pg), "original region must be unaffected by dup's allocation")
}

func TestAllocExhaustion(t *testing.T) {
	r := New(0, 2*pg)
	_, err := r.Alloc(0, 2*pg)
	require.NoError(t, err)
	_, err = r.Alloc(0, pg)
	require.Error(t, err)
}
