// Package sched implements the per-CPU priority scheduler: one run-queue
// per simulated CPU, ordered by priority with FIFO tie-break, work
// stealing when a CPU's own queue is empty, and an IPI broadcast used to
// nudge other CPUs into rescheduling after a higher-priority thread is
// enqueued.
package sched

import (
	"runtime"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/susmicrosystems/corekernel/pkg/errors"
)

// Kernel and user priority bands, matching the original's convention that
// lower numbers run first and kernel threads always outrank user ones.
const (
	PriorityKernel = 50
	PriorityUser   = 100
)

// State mirrors enum thread_state's scheduling-relevant subset.
type State int

const (
	StateRunning State = iota
	StatePaused
	StateSleeping
)

// Thread is a schedulable unit of work. The embedding type (pkg/proc)
// supplies the fields the scheduler doesn't own.
type Thread struct {
	ID        uint64
	Priority  int32
	State     State
	Affinity  uint64 // bitmask of CPUs this thread may run on; 0 means "any"
	NestLevel int    // >1 means currently nested in kernel context

	runq *runq
}

func (t *Thread) allowedOn(cpu uint32) bool {
	return t.Affinity == 0 || t.Affinity&(1<<cpu) != 0
}

type runq struct {
	mu        deadlock.Mutex
	threads   []*Thread // priority-ordered, FIFO within a priority
	lastTick  time.Time
}

func (q *runq) enqueueLocked(t *Thread) {
	i := 0
	for ; i < len(q.threads); i++ {
		if t.Priority < q.threads[i].Priority {
			break
		}
	}
	q.threads = append(q.threads, nil)
	copy(q.threads[i+1:], q.threads[i:])
	q.threads[i] = t
	t.runq = q
}

func (q *runq) removeLocked(t *Thread) {
	for i, v := range q.threads {
		if v == t {
			q.threads = append(q.threads[:i], q.threads[i+1:]...)
			t.runq = nil
			return
		}
	}
}

// Scheduler owns one run-queue per CPU and the IPI fan-out between them.
type Scheduler struct {
	ncpu  uint32
	runqs []*runq

	mu       sync.Mutex
	current  []*Thread // per-CPU currently running thread, index by cpu id
	resched  []chan struct{}
	idle     []*Thread

	syncMu sync.Mutex
	sync   *cpuSync
}

// cpuSync tracks one in-flight CPUSync rendezvous: the set of CPUs still
// owed an acknowledgement, and the channel that releases them once the
// initiator's critical section has run. Mirrors cpu_sync_mask / cpu_sync_count.
type cpuSync struct {
	pending uint64
	done    chan struct{}
}

// New creates a Scheduler for ncpu simulated CPUs, each given its own
// idle thread to fall back on when its run-queue is empty.
func New(ncpu uint32) *Scheduler {
	if ncpu == 0 {
		ncpu = 1
	}
	s := &Scheduler{
		ncpu:    ncpu,
		runqs:   make([]*runq, ncpu),
		current: make([]*Thread, ncpu),
		resched: make([]chan struct{}, ncpu),
		idle:    make([]*Thread, ncpu),
	}
	for i := uint32(0); i < ncpu; i++ {
		s.runqs[i] = &runq{lastTick: time.Now()}
		s.resched[i] = make(chan struct{}, 1)
		idle := &Thread{ID: idleThreadID(i), Priority: PriorityUser + 1}
		s.idle[i] = idle
		s.current[i] = idle
	}
	return s
}

func idleThreadID(cpu uint32) uint64 { return ^uint64(0) - uint64(cpu) }

// NumCPU returns the number of simulated CPUs.
func (s *Scheduler) NumCPU() uint32 { return s.ncpu }

// Enqueue places thread onto cpu's run-queue in priority order. If cpu
// was running its idle thread, every other CPU is sent a reschedule IPI;
// cpu itself is not signalled.
func (s *Scheduler) Enqueue(cpu uint32, thread *Thread) error {
	if cpu >= s.ncpu {
		return errors.ErrInvalid
	}
	q := s.runqs[cpu]
	q.mu.Lock()
	thread.State = StatePaused
	q.enqueueLocked(thread)
	q.mu.Unlock()

	s.mu.Lock()
	wasIdle := s.current[cpu] == s.idle[cpu]
	s.mu.Unlock()
	if wasIdle {
		s.ipiAll(cpu)
	}
	return nil
}

// Dequeue removes thread from whichever run-queue it is currently on.
func (s *Scheduler) Dequeue(thread *Thread) {
	q := thread.runq
	if q == nil {
		return
	}
	q.mu.Lock()
	q.removeLocked(thread)
	q.mu.Unlock()
}

// ipiAll signals every CPU but from to check for a reschedule, mirroring
// sched_ipi's broadcast.
func (s *Scheduler) ipiAll(from uint32) {
	for i := uint32(0); i < s.ncpu; i++ {
		if i == from {
			continue
		}
		select {
		case s.resched[i] <- struct{}{}:
		default:
		}
	}
}

// ipiMask signals every CPU named in mask but from, leaving CPUs outside
// mask untouched. Used by CPUSync to target a subset of CPUs instead of
// broadcasting to all of them.
func (s *Scheduler) ipiMask(from uint32, mask uint64) {
	for i := uint32(0); i < s.ncpu; i++ {
		if i == from || mask&(1<<i) == 0 {
			continue
		}
		select {
		case s.resched[i] <- struct{}{}:
		default:
		}
	}
}

// CPUSync is the "stop the world" rendezvous: it IPIs every CPU in mask
// other than self, busy-waits for each of them to park in SyncPoint, runs fn
// while they are parked, then releases them. Mirrors cpu_sync/cpu_sync_leave:
// self plays the role of the initiator holding the kernel lock, the target
// CPUs play the role of cpu_sync_leave's spin-until-released loop. With a
// single CPU there is nothing to stop, so fn runs immediately.
func (s *Scheduler) CPUSync(self uint32, mask uint64, fn func()) {
	if s.ncpu == 1 {
		fn()
		return
	}

	var target uint64
	for cpu := uint32(0); cpu < s.ncpu; cpu++ {
		if cpu == self || mask&(1<<cpu) == 0 {
			continue
		}
		target |= 1 << cpu
	}

	st := &cpuSync{pending: target, done: make(chan struct{})}
	s.syncMu.Lock()
	s.sync = st
	s.syncMu.Unlock()

	s.ipiMask(self, target)

	for {
		s.syncMu.Lock()
		parked := st.pending == 0
		s.syncMu.Unlock()
		if parked {
			break
		}
		runtime.Gosched()
	}

	fn()

	s.syncMu.Lock()
	s.sync = nil
	s.syncMu.Unlock()
	close(st.done)
}

// SyncPoint is called by a CPU's dispatch loop whenever it wakes from
// Resched, giving a pending CPUSync a chance to park it. If no sync
// targets cpu it returns immediately; otherwise it acknowledges and blocks
// until the initiator's critical section completes. Mirrors cpu_sync_leave.
func (s *Scheduler) SyncPoint(cpu uint32) {
	s.syncMu.Lock()
	st := s.sync
	if st == nil || st.pending&(1<<cpu) == 0 {
		s.syncMu.Unlock()
		return
	}
	st.pending &^= 1 << cpu
	s.syncMu.Unlock()
	<-st.done
}

// Resched blocks until cpu has been signaled to re-evaluate its run-queue,
// or until timeout elapses. A real CPU goroutine calls this in its idle
// loop; it stands in for the IPI trap handler.
func (s *Scheduler) Resched(cpu uint32, timeout time.Duration) bool {
	select {
	case <-s.resched[cpu]:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Current returns the thread currently assigned to run on cpu.
func (s *Scheduler) Current(cpu uint32) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[cpu]
}

// Switch installs thread as the one running on cpu, enqueuing the
// outgoing thread back onto cpu's run-queue if it is still runnable and
// is not cpu's idle thread. FPU state is not modeled, and the outgoing
// thread's NestLevel is not consulted. Mirrors switch_thread /
// sched_switch.
func (s *Scheduler) Switch(cpu uint32, thread *Thread) error {
	if cpu >= s.ncpu {
		return errors.ErrInvalid
	}
	s.mu.Lock()
	current := s.current[cpu]
	if current == thread {
		s.mu.Unlock()
		return nil
	}
	if current != nil && current != s.idle[cpu] && current.State == StateRunning {
		current.State = StatePaused
		s.mu.Unlock()
		if err := s.Enqueue(cpu, current); err != nil {
			return err
		}
	} else {
		s.mu.Unlock()
	}
	thread.State = StateRunning
	s.mu.Lock()
	s.current[cpu] = thread
	s.mu.Unlock()
	return nil
}

// findRunqThread pops the first paused thread from cpu's run-queue
// allowed to run on requester, optionally skipping the idle thread.
// Mirrors find_runq_thread / find_better_runq_thread.
func (s *Scheduler) findRunqThread(cpu, requester uint32, ignoreIdle bool, relative *Thread) *Thread {
	q := s.runqs[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.threads {
		if t.State != StatePaused {
			continue
		}
		if t.NestLevel > 1 && cpu != requester {
			continue
		}
		if ignoreIdle && t == s.idle[cpu] {
			continue
		}
		if relative != nil && t.Priority >= relative.Priority {
			return nil // queue is priority-ordered: nothing further can beat relative
		}
		if !t.allowedOn(requester) {
			continue
		}
		q.threads = append(q.threads[:i], q.threads[i+1:]...)
		t.runq = nil
		return t
	}
	return nil
}

// PickNext returns the next thread cpu should run: its own highest
// priority paused thread, or one stolen from another CPU's queue, or its
// own idle thread if nothing else is runnable. The idle thread is never
// itself stored on a run-queue; it is the fallback PickNext returns when
// every queue comes up empty. Mirrors find_thread.
func (s *Scheduler) PickNext(cpu uint32) *Thread {
	if t := s.findRunqThread(cpu, cpu, false, nil); t != nil {
		return t
	}
	for i := uint32(0); i < s.ncpu; i++ {
		if i == cpu {
			continue
		}
		if stolen := s.findRunqThread(i, cpu, true, nil); stolen != nil {
			return stolen
		}
	}
	return s.idle[cpu]
}

// PickBetter returns a thread that should preempt cpu's current thread
// because it has strictly higher priority, stealing from another CPU's
// queue if cpu's own queue has nothing better. Mirrors find_better_thread.
func (s *Scheduler) PickBetter(cpu uint32, ignoreIdle bool) *Thread {
	current := s.Current(cpu)
	if t := s.findRunqThread(cpu, cpu, ignoreIdle, current); t != nil {
		return t
	}
	for i := uint32(0); i < s.ncpu; i++ {
		if i == cpu {
			continue
		}
		if t := s.findRunqThread(i, cpu, true, current); t != nil {
			return t
		}
	}
	return nil
}

// Tick is called on cpu's periodic timer interrupt. It debounces to avoid
// rescheduling more often than every 10ms, matching sched_tick.
func (s *Scheduler) Tick(cpu uint32) {
	q := s.runqs[cpu]
	q.mu.Lock()
	now := time.Now()
	if now.Sub(q.lastTick) < 10*time.Millisecond {
		q.mu.Unlock()
		return
	}
	q.lastTick = now
	q.mu.Unlock()

	if better := s.PickBetter(cpu, true); better != nil {
		_ = s.Switch(cpu, better)
	}
	s.ipiAll(cpu)
}

// CPUStats summarizes one CPU's scheduling state, exposed for pkg/kstat.
type CPUStats struct {
	CPU         uint32
	RunqLen     int
	CurrentID   uint64
	CurrentIdle bool
}

// Stats returns one entry per simulated CPU.
func (s *Scheduler) Stats() []CPUStats {
	out := make([]CPUStats, s.ncpu)
	for cpu := uint32(0); cpu < s.ncpu; cpu++ {
		q := s.runqs[cpu]
		q.mu.Lock()
		runqLen := len(q.threads)
		q.mu.Unlock()

		s.mu.Lock()
		current := s.current[cpu]
		idle := current == s.idle[cpu]
		s.mu.Unlock()

		out[cpu] = CPUStats{
			CPU:         cpu,
			RunqLen:     runqLen,
			CurrentID:   current.ID,
			CurrentIdle: idle,
		}
	}
	return out
}
