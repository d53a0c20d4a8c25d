// Package proc implements the process/thread/session/group hierarchy: PID
// and TID allocation from one shared space, parent/child and
// session/group relationships, per-process file descriptor tables,
// pending/blocked signal delivery, and fork/exec/zombie/reap lifecycle.
package proc

import (
	"sync"

	"github.com/sasha-s/go-deadlock"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/sched"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

// State mirrors enum proc_state.
type State int

const (
	StateAlive State = iota
	StateStopped
	StateZombie
)

// ThreadState mirrors enum thread_state, minus the scheduler-only states
// that live in pkg/sched.
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadPaused
	ThreadWaiting
	ThreadStopped
	ThreadZombie
)

// Clone flags, mirroring CLONE_VFORK/CLONE_VM/CLONE_THREAD.
const (
	CloneVFork = 1 << iota
	CloneVM
	CloneThread
)

// Session groups one or more process groups under a controlling session,
// mirroring struct sess.
type Session struct {
	mu     sync.Mutex
	ID     int32
	Groups map[int32]*Group
}

// Group is a process group within a session, mirroring struct pgrp.
type Group struct {
	mu       sync.Mutex
	ID       int32
	Session  *Session
	Procs    map[int32]*Process
}

// FileDesc is one entry in a process's file descriptor table. File is
// left as `any` here: pkg/vfs defines the concrete open-file type this
// module is built against, and proc must not import vfs (vfs will
// eventually import proc for credential checks), so the table is generic
// over whatever the caller installs.
type FileDesc struct {
	File    any
	Cloexec bool
}

// Cred mirrors struct cred's POSIX credential set.
type Cred struct {
	UID, EUID, SUID int32
	GID, EGID, SGID int32
	Groups          []int32
}

// Stat mirrors struct procstat.
type Stat struct {
	UserTime, SysTime int64 // nanoseconds
	Faults            uint64
	NSignals          uint64
	NCtxSwitch        uint64
}

// Process mirrors struct proc.
type Process struct {
	mu        sync.Mutex
	PID       int32
	Name      string
	State     State
	Space     *vmm.AddressSpace
	Parent    *Process
	Children  map[int32]*Process
	Group     *Group
	Cred      Cred
	Umask     uint32
	Cwd       string
	Root      string
	Stats     Stat
	CStats    Stat // accumulated stats of reaped children

	filesMu deadlock.RWMutex
	files   map[int32]*FileDesc
	nextFD  int32

	threadsMu    sync.Mutex
	Threads      map[int64]*Thread
	Leader       *Thread // the thread whose exit cascades the process to ZOMBIE
	leaderExited bool

	sigActions [64]SigAction

	waitMu  sync.Mutex
	waitCh  chan *Process // signaled with the zombie child on exit
}

// Thread mirrors struct thread's scheduling- and signal-relevant fields
// (trapframes and architecture register state have no meaning in this
// simulation and are intentionally not modeled).
type Thread struct {
	sched.Thread // TID reuses sched.Thread.ID; Priority/State/Affinity/NestLevel are the scheduler's view

	Proc    *Process
	State   ThreadState
	SigMask uint64
	SigPend uint64
	Stats   Stat
}

// Manager owns PID/TID allocation (one shared numeric space, as the
// original's "about waitpid" comment in proc.h implies pid_t and tid_t
// come from the same namespace) and the global process table.
type Manager struct {
	mu       sync.Mutex
	nextID   int32
	procs    map[int32]*Process
	sessions map[int32]*Session
	groups   map[int32]*Group
}

// NewManager creates an empty process table. IDs start at 1; 0 is
// reserved, matching the convention that PID 0 never names a real
// process.
func NewManager() *Manager {
	return &Manager{
		nextID:   1,
		procs:    make(map[int32]*Process),
		sessions: make(map[int32]*Session),
		groups:   make(map[int32]*Group),
	}
}

func (m *Manager) allocID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// CreateInit creates PID 1: its own session, its own group, no parent.
func (m *Manager) CreateInit(name string, space *vmm.AddressSpace) *Process {
	p := m.newProcess(name, space, nil)
	sess := &Session{ID: p.PID, Groups: map[int32]*Group{}}
	grp := &Group{ID: p.PID, Session: sess}
	sess.Groups[grp.ID] = grp
	grp.Procs = map[int32]*Process{p.PID: p}
	p.Group = grp

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.groups[grp.ID] = grp
	m.mu.Unlock()
	return p
}

func (m *Manager) newProcess(name string, space *vmm.AddressSpace, parent *Process) *Process {
	p := &Process{
		PID:      m.allocID(),
		Name:     name,
		State:    StateAlive,
		Space:    space,
		Parent:   parent,
		Children: make(map[int32]*Process),
		files:    make(map[int32]*FileDesc),
		nextFD:   0,
		Threads:  make(map[int64]*Thread),
		waitCh:   make(chan *Process, 16),
	}
	m.mu.Lock()
	m.procs[p.PID] = p
	m.mu.Unlock()
	return p
}

// Get looks up a process by PID.
func (m *Manager) Get(pid int32) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	return p, ok
}

// AllProcs returns a snapshot of every live process, for diagnostics
// (e.g. procfs's directory listing).
func (m *Manager) AllProcs() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p)
	}
	return out
}

// Fork creates a child process sharing the parent's group/session and a
// copy-on-write duplicate of its address space, per CopyForFork. If flags
// has CloneVM set, the child shares the parent's address space directly
// instead (matching CLONE_VM's "share memory" semantics, used to
// implement vfork/clone for threads).
func (m *Manager) Fork(parent *Process, flags int) *Process {
	var space *vmm.AddressSpace
	if flags&CloneVM != 0 {
		space = parent.Space
	} else {
		space = parent.Space.CopyForFork()
	}

	child := m.newProcess(parent.Name, space, parent)
	parent.mu.Lock()
	child.Group = parent.Group
	child.Cred = parent.Cred
	child.Umask = parent.Umask
	child.Cwd = parent.Cwd
	child.Root = parent.Root
	child.sigActions = parent.sigActions
	parent.Children[child.PID] = child
	parent.mu.Unlock()

	if parent.Group != nil {
		parent.Group.mu.Lock()
		parent.Group.Procs[child.PID] = child
		parent.Group.mu.Unlock()
	}

	parent.filesMu.RLock()
	child.filesMu.Lock()
	for fd, fdesc := range parent.files {
		if fdesc.Cloexec && flags&CloneThread == 0 {
			continue // exec would drop these anyway; fork never crosses exec boundary here
		}
		cp := *fdesc
		child.files[fd] = &cp
	}
	child.filesMu.Unlock()
	parent.filesMu.RUnlock()

	return child
}

// AddThread creates and registers a new thread under p, with the given
// scheduling priority. The first thread ever added becomes p's leader;
// per proc.h's "about waitpid" contract, the process only moves to ZOMBIE
// once the leader exits and every other thread has been reaped.
func (p *Process) AddThread(tid int64, priority int32) *Thread {
	t := &Thread{
		Proc:  p,
		State: ThreadRunning,
	}
	t.Thread.ID = uint64(tid)
	t.Thread.Priority = priority
	p.threadsMu.Lock()
	if p.Leader == nil {
		p.Leader = t
	}
	p.Threads[tid] = t
	p.threadsMu.Unlock()
	return t
}

// OpenFD installs file as the lowest unused descriptor and returns it.
func (p *Process) OpenFD(file any, cloexec bool) int32 {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	fd := p.nextFD
	for {
		if _, used := p.files[fd]; !used {
			break
		}
		fd++
	}
	p.files[fd] = &FileDesc{File: file, Cloexec: cloexec}
	if fd == p.nextFD {
		p.nextFD = fd + 1
	}
	return fd
}

// CloseFD removes fd from the table, returning the file that was there.
func (p *Process) CloseFD(fd int32) (any, error) {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	fdesc, ok := p.files[fd]
	if !ok {
		return nil, errors.ErrInvalid
	}
	delete(p.files, fd)
	if fd < p.nextFD {
		p.nextFD = fd
	}
	return fdesc.File, nil
}

// GetFD returns the file installed at fd.
func (p *Process) GetFD(fd int32) (any, error) {
	p.filesMu.RLock()
	defer p.filesMu.RUnlock()
	fdesc, ok := p.files[fd]
	if !ok {
		return nil, errors.ErrInvalid
	}
	return fdesc.File, nil
}

// Dup2 makes newfd refer to the same file as oldfd, closing whatever
// newfd previously held.
func (p *Process) Dup2(oldfd, newfd int32) error {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	fdesc, ok := p.files[oldfd]
	if !ok {
		return errors.ErrInvalid
	}
	if oldfd == newfd {
		return nil
	}
	cp := *fdesc
	cp.Cloexec = false
	p.files[newfd] = &cp
	return nil
}

// Dup returns a new descriptor aliasing oldfd's file.
func (p *Process) Dup(oldfd int32) (int32, error) {
	p.filesMu.Lock()
	fdesc, ok := p.files[oldfd]
	p.filesMu.Unlock()
	if !ok {
		return 0, errors.ErrInvalid
	}
	return p.OpenFD(fdesc.File, false), nil
}

// Exit transitions p to zombie state, zombifies every one of its threads
// (a process dying kills all its threads, leader included), reparents its
// children to PID 1 if known, and notifies any thread blocked in waitpid.
// Mirrors the state machine proc.h's waitpid comment documents: the leader
// dying kills the process; it becomes ZOMBIE until waited on. Callers that
// want thread-granularity exit semantics instead should use ExitThread.
func (m *Manager) Exit(p *Process) {
	p.mu.Lock()
	p.State = StateZombie
	p.mu.Unlock()

	p.threadsMu.Lock()
	p.leaderExited = true
	for _, t := range p.Threads {
		t.State = ThreadZombie
	}
	p.threadsMu.Unlock()

	if init, ok := m.Get(1); ok && p != init {
		p.mu.Lock()
		for _, c := range p.Children {
			c.mu.Lock()
			c.Parent = init
			c.mu.Unlock()
			init.mu.Lock()
			init.Children[c.PID] = c
			init.mu.Unlock()
		}
		p.mu.Unlock()
	}

	if p.Parent != nil {
		select {
		case p.Parent.waitCh <- p:
		default:
		}
	}
}

// ExitThread implements thread-granularity exit. A non-leader thread that
// exits becomes a zombie and is reaped immediately, leaving the rest of
// the process running. The leader thread exiting does not by itself
// zombify the process: per proc.h's "about waitpid" contract, the process
// only moves to ZOMBIE once the leader has exited and every non-leader
// thread has already been reaped.
func (m *Manager) ExitThread(t *Thread) {
	p := t.Proc
	p.threadsMu.Lock()
	t.State = ThreadZombie
	if p.Leader == t {
		p.leaderExited = true
	} else {
		delete(p.Threads, int64(t.Thread.ID))
	}
	remaining := len(p.Threads)
	if p.Leader != nil {
		if _, ok := p.Threads[int64(p.Leader.Thread.ID)]; ok {
			remaining--
		}
	}
	ready := p.leaderExited && remaining == 0
	p.threadsMu.Unlock()

	if ready {
		m.Exit(p)
	}
}

// Wait blocks until any zombie child of p is available, reaps it (removes
// it from the process table and accumulates its stats into p.CStats), and
// returns it. Returns ErrNotFound if p has no children at all.
func (m *Manager) Wait(p *Process) (*Process, error) {
	p.mu.Lock()
	if len(p.Children) == 0 {
		p.mu.Unlock()
		return nil, errors.ErrNotFound
	}
	p.mu.Unlock()

	child := <-p.waitCh
	p.mu.Lock()
	delete(p.Children, child.PID)
	p.CStats.UserTime += child.Stats.UserTime + child.CStats.UserTime
	p.CStats.SysTime += child.Stats.SysTime + child.CStats.SysTime
	p.mu.Unlock()

	m.mu.Lock()
	delete(m.procs, child.PID)
	m.mu.Unlock()
	return child, nil
}
