package proc

import (
	"github.com/susmicrosystems/corekernel/pkg/errors"
)

// Signal numbers, matching the common POSIX assignment the original's
// SIGLAST-sized sigactions array is built against.
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGABRT = 6
	SIGFPE  = 8
	SIGKILL = 9
	SIGSEGV = 11
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
)

// sigprocmask "how" values.
const (
	SigBlock = iota
	SigUnblock
	SigSetMask
)

// Disposition mirrors sigaction's handling mode.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandler
)

// SigAction mirrors struct sigaction's fields relevant above the
// architecture trampoline (the handler's actual entry address is an
// opaque uintptr; this simulation never executes user code so it is
// tracked but never dereferenced).
type SigAction struct {
	Disposition Disposition
	Handler     uintptr
	Mask        uint64
}

func sigbit(sig int) uint64 { return 1 << uint(sig-1) }

// SigAction returns and optionally replaces the action for sig.
func (p *Process) SigAction(sig int, act *SigAction) (SigAction, error) {
	if sig <= 0 || sig >= len(p.sigActions) {
		return SigAction{}, errors.ErrInvalid
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.sigActions[sig]
	if act != nil {
		p.sigActions[sig] = *act
	}
	return old, nil
}

// SigProcMask adjusts t's blocked-signal mask per how, returning the
// previous mask. SIGKILL and SIGSTOP can never be blocked.
func (t *Thread) SigProcMask(how int, set uint64) (uint64, error) {
	const unblockable = 1<<uint(SIGKILL-1) | 1<<uint(SIGSTOP-1)
	old := t.SigMask
	switch how {
	case SigBlock:
		t.SigMask |= set &^ unblockable
	case SigUnblock:
		t.SigMask &^= set
	case SigSetMask:
		t.SigMask = set &^ unblockable
	default:
		return 0, errors.ErrInvalid
	}
	return old, nil
}

// SigPending returns the set of signals pending but currently blocked.
func (t *Thread) SigPending() uint64 {
	return t.SigPend & t.SigMask
}

// Kill marks sig pending on t. SIGCONT pending always clears any pending
// stop signal and vice versa, matching SIGSTOP/SIGCONT's mutual exclusion.
func (t *Thread) Kill(sig int) error {
	if sig <= 0 {
		return errors.ErrInvalid
	}
	bit := sigbit(sig)
	t.SigPend |= bit
	switch sig {
	case SIGCONT:
		t.SigPend &^= sigbit(SIGSTOP) | sigbit(SIGTSTP)
		t.State = ThreadRunning
	case SIGSTOP, SIGTSTP:
		t.SigPend &^= sigbit(SIGCONT)
	}
	return nil
}

// DeliverableSignals returns the set of pending, unblocked signals ready
// for delivery on return to user mode.
func (t *Thread) DeliverableSignals() uint64 {
	return t.SigPend &^ t.SigMask
}

// Deliver runs the delivery side-effect for sig: default-dispositioned
// fatal signals move the thread to ThreadZombie, leaving the process
// state unchanged (except SIGCHLD/SIGCONT, whose default is to be
// ignored), SIGSTOP/SIGTSTP move it to ThreadStopped, and a
// DispositionHandler signal is left for the caller to dispatch into user
// code. Always clears sig from the pending set.
func (t *Thread) Deliver(sig int) Disposition {
	t.SigPend &^= sigbit(sig)
	act := t.Proc.sigActions[sig]
	switch act.Disposition {
	case DispositionIgnore:
		return DispositionIgnore
	case DispositionHandler:
		return DispositionHandler
	}
	switch sig {
	case SIGSTOP, SIGTSTP:
		t.State = ThreadStopped
	case SIGCHLD, SIGCONT:
		// default disposition is to ignore
	default:
		t.State = ThreadZombie
	}
	return DispositionDefault
}
