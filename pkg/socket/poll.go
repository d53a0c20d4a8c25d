package socket

import "sync"

// PollEvent mirrors poll(2)'s event bitmask.
type PollEvent uint32

const (
	PollIn  PollEvent = 0x0001
	PollOut PollEvent = 0x0004
	PollErr PollEvent = 0x0008
	PollHup PollEvent = 0x0010
)

// PollEntry is one waiter registered against a socket's poll list,
// mirroring struct poll_entry: the events it cares about and a channel
// signaled with the ready subset whenever the socket's readiness changes.
type PollEntry struct {
	Events PollEvent
	Ready  chan PollEvent
}

// pollList is a socket's poll_entries TAILQ: every PollEntry registered
// against it via Poll, broadcast to on state changes like Shutdown's
// POLLHUP.
type pollList struct {
	mu      sync.Mutex
	entries []*PollEntry
}

func (l *pollList) add(e *PollEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// broadcast signals every entry interested in any bit of ev, mirroring
// poller_broadcast. A full Ready channel is skipped rather than blocked
// on, matching waitq_broadcast's fire-and-forget wakeup.
func (l *pollList) broadcast(ev PollEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Events&ev == 0 {
			continue
		}
		select {
		case e.Ready <- ev:
		default:
		}
	}
}
