package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
	"github.com/susmicrosystems/corekernel/pkg/pm"
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: 16 * 1024 * 1024})
	pmgr, err := pm.New(arch)
	require.NoError(t, err)
	return New(pmgr, arch, 0, 4*1024*1024)
}

func TestMapThenCopyoutCopyinRoundTrip(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Map(0, hal.PageSize, ProtRead|ProtWrite, false)
	require.NoError(t, err)

	msg := []byte("hello kernel")
	require.NoError(t, a.Copyout(addr, msg))

	got := make([]byte, len(msg))
	require.NoError(t, a.Copyin(addr, got))
	require.Equal(t, msg, got)
}

func TestUnmapFreesFrameAndRange(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Map(0, hal.PageSize, ProtRead|ProtWrite, false)
	require.NoError(t, err)
	require.NoError(t, a.Unmap(addr, hal.PageSize))
	require.True(t, a.region.Test(addr, hal.PageSize))
}

func TestFaultOnUnreservedAddrFails(t *testing.T) {
	a := newTestSpace(t)
	err := a.Fault(10*1024*1024, false)
	require.ErrorIs(t, err, errors.ErrInvalid)
}

func TestLazyMapPopulatesOnFault(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Map(0, hal.PageSize, ProtRead|ProtWrite, true)
	require.NoError(t, err)
	require.NoError(t, a.Fault(addr, true))
	require.NoError(t, a.Copyout(addr, []byte("x")))
}

func TestCopyForForkSharesCOWThenBreaksOnWrite(t *testing.T) {
	parent := newTestSpace(t)
	addr, err := parent.Map(0, hal.PageSize, ProtRead|ProtWrite, false)
	require.NoError(t, err)
	require.NoError(t, parent.Copyout(addr, []byte("parent")))

	child := parent.CopyForFork()

	childBuf := make([]byte, 6)
	require.NoError(t, child.Copyin(addr, childBuf))
	require.Equal(t, "parent", string(childBuf))

	require.NoError(t, child.Copyout(addr, []byte("child!")))

	parentBuf := make([]byte, 6)
	require.NoError(t, parent.Copyin(addr, parentBuf))
	require.Equal(t, "parent", string(parentBuf), "writing through the child must not mutate the parent's frame")
}

func TestFaultRejectsWriteToReadOnlyPage(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Map(0, hal.PageSize, ProtRead, false)
	require.NoError(t, err)
	err = a.Fault(addr, true)
	require.ErrorIs(t, err, errors.ErrPerm)
}

func TestCopyinStringReadsUntilNUL(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Map(0, hal.PageSize, ProtRead|ProtWrite, false)
	require.NoError(t, err)
	require.NoError(t, a.Copyout(addr, []byte("argv0\x00garbage")))

	s, err := a.CopyinString(addr, 64)
	require.NoError(t, err)
	require.Equal(t, "argv0", s)
}

func TestMapFileFaultsInContentFromBackingOffset(t *testing.T) {
	a := newTestSpace(t)
	backing := make([]byte, hal.PageSize)
	copy(backing, "file-backed zone contents")
	fault := func(off int64, buf []byte) error {
		copy(buf, backing[off:])
		return nil
	}

	addr, err := a.MapFile(0, hal.PageSize, ProtRead, ZonePrivate, 0, fault)
	require.NoError(t, err)

	got := make([]byte, 26)
	require.NoError(t, a.Copyin(addr, got))
	require.Equal(t, "file-backed zone contents", string(got))
}

func TestMapFilePrivateWriteNeverTouchesBacking(t *testing.T) {
	a := newTestSpace(t)
	backing := make([]byte, hal.PageSize)
	copy(backing, "original")
	fault := func(off int64, buf []byte) error {
		copy(buf, backing[off:])
		return nil
	}

	addr, err := a.MapFile(0, hal.PageSize, ProtRead|ProtWrite, ZonePrivate, 0, fault)
	require.NoError(t, err)
	require.NoError(t, a.Fault(addr, false)) // fault the page in read-only first

	require.NoError(t, a.Copyout(addr, []byte("mutated!")))
	got := make([]byte, 8)
	require.NoError(t, a.Copyin(addr, got))
	require.Equal(t, "mutated!", string(got))
	require.Equal(t, "original", string(backing[:8]), "a private mapping must never write through to its backing")
}

func TestFaultOutsideAnyZoneFails(t *testing.T) {
	a := newTestSpace(t)
	_, err := a.Map(0, hal.PageSize, ProtRead|ProtWrite, true)
	require.NoError(t, err)
	err = a.Fault(hal.PageSize, false) // one page past the only mapped zone
	require.ErrorIs(t, err, errors.ErrInvalid)
}

func TestCopyinStringOverflowsWithoutTerminator(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Map(0, hal.PageSize, ProtRead|ProtWrite, false)
	require.NoError(t, err)
	full := make([]byte, hal.PageSize)
	for i := range full {
		full[i] = 'a'
	}
	require.NoError(t, a.Copyout(addr, full))

	_, err = a.CopyinString(addr, 8)
	require.ErrorIs(t, err, errors.ErrOverflow)
}
