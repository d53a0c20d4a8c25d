package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/hal"
	"github.com/susmicrosystems/corekernel/pkg/pm"
	"github.com/susmicrosystems/corekernel/pkg/sched"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

func newSpace(t *testing.T) *vmm.AddressSpace {
	t.Helper()
	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: 16 * 1024 * 1024})
	pmgr, err := pm.New(arch)
	require.NoError(t, err)
	return vmm.New(pmgr, arch, 0, 4*1024*1024)
}

func TestCreateInitOwnsItsOwnSession(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	require.EqualValues(t, 1, init.PID)
	require.NotNil(t, init.Group)
	require.Nil(t, init.Parent)
}

func TestForkDuplicatesAddressSpaceCOW(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	child := m.Fork(init, 0)
	require.NotSame(t, init.Space, child.Space)
	require.Equal(t, init.Group, child.Group)
	require.Equal(t, init, child.Parent)
	require.Contains(t, init.Children, child.PID)
}

func TestForkWithCloneVMSharesAddressSpace(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	child := m.Fork(init, CloneVM)
	require.Same(t, init.Space, child.Space)
}

func TestForkInheritsOpenFilesExceptCloexec(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	keep := init.OpenFD("stdout", false)
	drop := init.OpenFD("secret", true)

	child := m.Fork(init, 0)
	f, err := child.GetFD(keep)
	require.NoError(t, err)
	require.Equal(t, "stdout", f)

	_, err = child.GetFD(drop)
	require.Error(t, err)
}

func TestOpenCloseDupFD(t *testing.T) {
	m := NewManager()
	p := m.CreateInit("p", newSpace(t))
	fd := p.OpenFD("file-a", false)
	dupfd, err := p.Dup(fd)
	require.NoError(t, err)
	require.NotEqual(t, fd, dupfd)

	f, err := p.GetFD(dupfd)
	require.NoError(t, err)
	require.Equal(t, "file-a", f)

	closed, err := p.CloseFD(fd)
	require.NoError(t, err)
	require.Equal(t, "file-a", closed)
	_, err = p.GetFD(fd)
	require.ErrorIs(t, err, errors.ErrInvalid)
}

func TestDup2ClearsCloexec(t *testing.T) {
	m := NewManager()
	p := m.CreateInit("p", newSpace(t))
	fd := p.OpenFD("x", true)
	require.NoError(t, p.Dup2(fd, 42))
	f, err := p.GetFD(42)
	require.NoError(t, err)
	require.Equal(t, "x", f)
	require.False(t, p.files[42].Cloexec)
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	mid := m.Fork(init, 0)
	leaf := m.Fork(mid, 0)

	m.Exit(mid)
	require.Contains(t, init.Children, leaf.PID)
	require.Equal(t, init, leaf.Parent)
}

func TestWaitReapsZombieChild(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	child := m.Fork(init, 0)
	child.Stats.UserTime = 42

	go m.Exit(child)

	reaped, err := m.Wait(init)
	require.NoError(t, err)
	require.Equal(t, child, reaped)
	require.EqualValues(t, 42, init.CStats.UserTime)
	_, ok := m.Get(child.PID)
	require.False(t, ok)
}

func TestWaitWithNoChildrenReturnsNotFound(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	_, err := m.Wait(init)
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAddThreadFirstCallBecomesLeader(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	first := init.AddThread(1, sched.PriorityUser)
	second := init.AddThread(2, sched.PriorityUser)
	require.Same(t, first, init.Leader)
	require.NotSame(t, second, init.Leader)
}

func TestExitThreadNonLeaderDoesNotZombifyProcess(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	leader := init.AddThread(1, sched.PriorityUser)
	worker := init.AddThread(2, sched.PriorityUser)

	m.ExitThread(worker)
	require.Equal(t, ThreadZombie, worker.State)
	require.Equal(t, StateAlive, init.State)
	require.Equal(t, ThreadRunning, leader.State)
	require.NotContains(t, init.Threads, int64(2), "a reaped non-leader thread must be removed from the table")
}

func TestExitThreadLeaderWaitsForNonLeaderThreadsToBeReaped(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	leader := init.AddThread(1, sched.PriorityUser)
	worker := init.AddThread(2, sched.PriorityUser)

	m.ExitThread(leader)
	require.Equal(t, StateAlive, init.State, "process must stay alive until non-leader threads are reaped")

	m.ExitThread(worker)
	require.Equal(t, StateZombie, init.State)
}

func TestExitThreadLeaderWithNoOtherThreadsZombifiesImmediately(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	leader := init.AddThread(1, sched.PriorityUser)

	m.ExitThread(leader)
	require.Equal(t, StateZombie, init.State)
}

func TestSignalMaskBlocksDeliveryButNotPending(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	th := init.AddThread(100, sched.PriorityUser)

	_, err := th.SigProcMask(SigBlock, sigbit(SIGTERM))
	require.NoError(t, err)
	require.NoError(t, th.Kill(SIGTERM))

	require.NotZero(t, th.SigPending())
	require.Zero(t, th.DeliverableSignals())
}

func TestSigKillAndSigStopCannotBeBlocked(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	th := init.AddThread(1, sched.PriorityUser)
	_, err := th.SigProcMask(SigSetMask, sigbit(SIGKILL)|sigbit(SIGSTOP)|sigbit(SIGTERM))
	require.NoError(t, err)
	require.Zero(t, th.SigMask&sigbit(SIGKILL))
	require.Zero(t, th.SigMask&sigbit(SIGSTOP))
	require.NotZero(t, th.SigMask&sigbit(SIGTERM))
}

func TestSigContClearsPendingStop(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	th := init.AddThread(1, sched.PriorityUser)
	require.NoError(t, th.Kill(SIGSTOP))
	require.NoError(t, th.Kill(SIGCONT))
	require.Zero(t, th.SigPend&sigbit(SIGSTOP))
	require.Equal(t, ThreadRunning, th.State)
}

func TestDeliverDefaultFatalSignalZombifies(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	th := init.AddThread(1, sched.PriorityUser)
	require.NoError(t, th.Kill(SIGSEGV))
	disp := th.Deliver(SIGSEGV)
	require.Equal(t, DispositionDefault, disp)
	require.Equal(t, ThreadZombie, th.State)
}

func TestDeliverHandlerDispositionLeavesStateAlone(t *testing.T) {
	m := NewManager()
	init := m.CreateInit("init", newSpace(t))
	th := init.AddThread(1, sched.PriorityUser)
	_, err := init.SigAction(SIGTERM, &SigAction{Disposition: DispositionHandler, Handler: 0x1000})
	require.NoError(t, err)
	require.NoError(t, th.Kill(SIGTERM))
	disp := th.Deliver(SIGTERM)
	require.Equal(t, DispositionHandler, disp)
	require.Equal(t, ThreadRunning, th.State)
}
