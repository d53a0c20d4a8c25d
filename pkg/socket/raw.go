package socket

import (
	"sync"

	"github.com/sasha-s/go-deadlock"
	"github.com/google/uuid"

	"github.com/susmicrosystems/corekernel/pkg/errors"
)

// rawRegistry holds every open raw socket for one domain, so an
// incoming packet can be cloned out to every interested listener.
// Mirrors ip4_raw_socks/ip6_raw_socks/pkt_raw_socks's per-domain TAILQ.
type rawRegistry struct {
	mu      sync.RWMutex
	sockets map[string]*rawSocket
}

var (
	rawRegistries = map[Domain]*rawRegistry{
		DomainInet:   {sockets: map[string]*rawSocket{}},
		DomainInet6:  {sockets: map[string]*rawSocket{}},
		DomainPacket: {sockets: map[string]*rawSocket{}},
	}
)

// RawSocketCount returns the number of open raw sockets for domain,
// exposed for pkg/kstat.
func RawSocketCount(domain Domain) int {
	reg, ok := rawRegistries[domain]
	if !ok {
		return 0
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sockets)
}

// rawSocket is a SOCK_RAW endpoint: packets matching its protocol
// filter are queued for Recv, mirroring struct sock_raw's packet TAILQ.
type rawSocket struct {
	mu       deadlock.Mutex
	cond     *sync.Cond
	id       string
	domain   Domain
	protocol int
	state    State
	queue    [][]byte
	closed   bool
	polls    pollList
}

func newRawSocket(domain Domain, protocol int) *rawSocket {
	s := &rawSocket{id: uuid.NewString(), domain: domain, protocol: protocol}
	s.cond = sync.NewCond(&s.mu)
	reg := rawRegistries[domain]
	reg.mu.Lock()
	reg.sockets[s.id] = s
	reg.mu.Unlock()
	return s
}

func (s *rawSocket) Domain() Domain { return s.domain }
func (s *rawSocket) Type() Type     { return TypeRaw }
func (s *rawSocket) ID() string     { return s.id }
func (s *rawSocket) State() State   { return StateConnected }

func (s *rawSocket) Bind(Addr) error           { return errors.ErrNotSupported }
func (s *rawSocket) Listen(int) error          { return errors.ErrNotSupported }
func (s *rawSocket) Connect(Addr) error        { return errors.ErrNotSupported }
func (s *rawSocket) Accept() (Socket, error)   { return nil, errors.ErrNotSupported }

// Deliver queues pkt for this socket if it passes the protocol filter,
// matching raw_pkt_queue's per-domain header-field comparison. proto is
// the relevant header field (ip_p / ip6_nxt / ether_type) of pkt,
// supplied by the caller since this package does not parse network
// headers itself.
func (s *rawSocket) Deliver(pkt []byte, proto int) {
	if s.protocol != 0 && proto != s.protocol {
		return
	}
	cp := append([]byte(nil), pkt...)
	s.mu.Lock()
	s.queue = append(s.queue, cp)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.polls.broadcast(PollIn)
}

func (s *rawSocket) Send(p []byte) (int, error) {
	// Raw sockets write straight to the link layer; with no real NIC in
	// this simulation, Send is a no-op success so callers exercising the
	// socket API don't fail on a missing interface.
	return len(p), nil
}

func (s *rawSocket) Recv(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return 0, errors.ErrBrokenPipe
	}
	pkt := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	return copy(p, pkt), nil
}

func (s *rawSocket) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	reg := rawRegistries[s.domain]
	reg.mu.Lock()
	delete(reg.sockets, s.id)
	reg.mu.Unlock()

	s.polls.broadcast(PollHup)
	return nil
}

// Release mirrors sock_release: shut the socket down, nothing further to
// free for a raw socket beyond registry removal.
func (s *rawSocket) Release() error {
	return s.Shutdown()
}

// Ioctl has no netif to dispatch to in this simulation; see the
// equivalent comment on streamSocket.Ioctl.
func (s *rawSocket) Ioctl(int, []byte) error { return errors.ErrNotSupported }

// GetOpt/SetOpt: raw sockets carry no SOL_SOCKET timeout state of their
// own, Recv blocks on cond.Wait with no timeout support.
func (s *rawSocket) GetOpt(int, int) ([]byte, error) { return nil, errors.ErrNotSupported }
func (s *rawSocket) SetOpt(int, int, []byte) error   { return errors.ErrNotSupported }

// Poll registers entry against this socket's poll list, signaled by
// Deliver (POLLIN) and Shutdown (POLLHUP).
func (s *rawSocket) Poll(entry *PollEntry) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.ErrInvalid
	}
	s.polls.add(entry)
	return nil
}

// Broadcast clones pkt to every raw socket registered for domain whose
// protocol filter matches proto, mirroring net_raw_queue.
func Broadcast(domain Domain, pkt []byte, proto int) {
	reg, ok := rawRegistries[domain]
	if !ok {
		return
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, s := range reg.sockets {
		s.Deliver(pkt, proto)
	}
}
