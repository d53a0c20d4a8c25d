// Package arp implements the ARP resolver: a table of IPv4-to-hardware
// address entries in one of three states (unknown, resolving, resolved),
// a queue of packets waiting on an in-flight resolution, and spoofing
// detection on incoming replies. Mirrors net/arp.c's arp_entry state
// machine.
package arp

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/susmicrosystems/corekernel/pkg/errors"
)

// State mirrors enum ARP_ENTRY_STATE.
type State int

const (
	StateUnknown State = iota
	StateResolving
	StateResolved
)

// HardwareAddr is a 6-byte Ethernet address.
type HardwareAddr [6]byte

func (h HardwareAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", h[0], h[1], h[2], h[3], h[4], h[5])
}

var (
	broadcast = HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	any       HardwareAddr
)

func isAny(h HardwareAddr) bool       { return h == any }
func isBroadcast(h HardwareAddr) bool { return h == broadcast }

// Requester sends an ARP request frame for an entry under resolution and
// an ARP reply frame for a locally-owned address that another host has
// requested. The caller's network-interface layer implements this;
// pkg/net/arp has no NIC of its own, mirroring arp_request/arp_reply's
// shared dependency on struct netif for transmission.
type Requester interface {
	SendRequest(targetIP [4]byte) error
	SendReply(targetIP [4]byte, targetHW HardwareAddr) error
}

// entry mirrors struct arp_entry: one IPv4-to-hardware mapping plus the
// packets queued against it while unresolved.
type entry struct {
	mu       sync.Mutex
	ip       [4]byte
	state    State
	hw       HardwareAddr
	waiting  [][]byte
}

// Table is the resolver's IPv4-to-Ethernet address cache.
type Table struct {
	mu      sync.RWMutex
	entries map[[4]byte]*entry
	group   singleflight.Group // dedups concurrent Resolve calls for the same IP
	req     Requester
	local   map[[4]byte]HardwareAddr // addresses owned by this interface
}

// NewTable creates an empty ARP table that sends requests through req.
func NewTable(req Requester) *Table {
	return &Table{entries: make(map[[4]byte]*entry), req: req, local: make(map[[4]byte]HardwareAddr)}
}

// AddLocal marks ip as owned by this interface with hardware address hw,
// so HandleRequest knows to answer ARP requests targeting it. Mirrors
// netif_from_addr's role in handle_request: finding the local interface
// a request's target protocol address belongs to.
func (t *Table) AddLocal(ip [4]byte, hw HardwareAddr) {
	t.mu.Lock()
	t.local[ip] = hw
	t.mu.Unlock()
}

// Stats summarizes the table's entry counts by state, exposed for
// pkg/kstat.
type Stats struct {
	Unknown   int
	Resolving int
	Resolved  int
}

// Stats returns a snapshot of the table's entry counts.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s Stats
	for _, e := range t.entries {
		e.mu.Lock()
		switch e.state {
		case StateUnknown:
			s.Unknown++
		case StateResolving:
			s.Resolving++
		case StateResolved:
			s.Resolved++
		}
		e.mu.Unlock()
	}
	return s
}

func (t *Table) fetch(ip [4]byte) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ip]; ok {
		return e
	}
	e := &entry{ip: ip, state: StateUnknown}
	t.entries[ip] = e
	return e
}

// Lookup returns the resolved hardware address for ip, if known, without
// triggering a resolution request.
func (t *Table) Lookup(ip [4]byte) (HardwareAddr, bool) {
	t.mu.RLock()
	e, ok := t.entries[ip]
	t.mu.RUnlock()
	if !ok {
		return HardwareAddr{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hw, e.state == StateResolved
}

// Resolve returns ip's hardware address, sending an ARP request and
// queuing pkt (if non-nil) to be flushed once resolved. Concurrent
// Resolve calls for the same IP collapse into a single request via
// singleflight, mirroring arp_resolve's transition from UNKNOWN to
// RESOLVING exactly once per entry.
func (t *Table) Resolve(ip [4]byte, pkt []byte) (HardwareAddr, error) {
	e := t.fetch(ip)

	e.mu.Lock()
	if e.state == StateResolved {
		hw := e.hw
		e.mu.Unlock()
		return hw, nil
	}
	if pkt != nil {
		e.waiting = append(e.waiting, pkt)
	}
	firstRequester := e.state == StateUnknown
	if firstRequester {
		e.state = StateResolving
	}
	e.mu.Unlock()

	if firstRequester {
		key := fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
		_, _, _ = t.group.Do(key, func() (any, error) {
			return nil, t.req.SendRequest(ip)
		})
	}
	return HardwareAddr{}, errors.ErrAgain
}

// HandleReply processes an incoming ARP reply (or gratuitous request),
// resolving the matching entry and flushing its queued packets via
// flush. Returns an error if senderHW looks like ARP spoofing: a
// previously-resolved entry whose hardware address just changed without
// the table ever going back through RESOLVING.
func (t *Table) HandleReply(senderIP [4]byte, senderHW HardwareAddr, flush func(pkt []byte)) error {
	if isAny(senderHW) {
		return errors.ErrInvalid
	}
	if isBroadcast(senderHW) {
		return errors.ErrInvalid
	}

	e := t.fetch(senderIP)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateResolved:
		if e.hw == senderHW {
			return nil
		}
		return fmt.Errorf("arp: spoofing detected for %d.%d.%d.%d: expected %s, got %s: %w",
			senderIP[0], senderIP[1], senderIP[2], senderIP[3], e.hw, senderHW, errors.ErrInvalid)
	case StateUnknown, StateResolving:
		e.hw = senderHW
		e.state = StateResolved
		for _, pkt := range e.waiting {
			flush(pkt)
		}
		e.waiting = nil
	}
	return nil
}

// HandleRequest processes an incoming ARP request: it opportunistically
// learns senderIP's hardware address (rejecting it as spoofing if it
// contradicts an already-resolved entry, exactly like HandleReply), and if
// targetIP is one of this interface's local addresses, sends a reply
// through req giving out that address's hardware address. Mirrors
// handle_request: requests for addresses we don't own are learned from
// but otherwise ignored.
func (t *Table) HandleRequest(senderIP [4]byte, senderHW HardwareAddr, targetIP [4]byte) error {
	if isAny(senderHW) {
		return errors.ErrInvalid
	}
	if isBroadcast(senderHW) {
		return errors.ErrInvalid
	}

	e := t.fetch(senderIP)
	e.mu.Lock()
	switch e.state {
	case StateResolved:
		if e.hw != senderHW {
			e.mu.Unlock()
			return fmt.Errorf("arp: spoofing detected for %d.%d.%d.%d: expected %s, got %s: %w",
				senderIP[0], senderIP[1], senderIP[2], senderIP[3], e.hw, senderHW, errors.ErrInvalid)
		}
	case StateUnknown, StateResolving:
		e.hw = senderHW
		e.state = StateResolved
	}
	e.mu.Unlock()

	t.mu.RLock()
	targetHW, isLocal := t.local[targetIP]
	t.mu.RUnlock()
	if !isLocal {
		return nil
	}
	return t.req.SendReply(targetIP, targetHW)
}

// Register inserts a known static mapping directly, bypassing
// resolution (used for the interface's own address and any configured
// static entries).
func (t *Table) Register(ip [4]byte, hw HardwareAddr) {
	e := t.fetch(ip)
	e.mu.Lock()
	e.hw = hw
	e.state = StateResolved
	e.mu.Unlock()
}
