// Package socket implements the kernel's socket layer: a small
// domain/type registry dispatching to per-family constructors, a
// connected local-stream pair built on two pipe buffers, and a
// raw-socket registry that clones matching packets to every interested
// listener. Mirrors sock_open/sock_new's vtable dispatch and
// pfl_stream's accept/connect/listen state machine.
package socket

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/google/uuid"

	"github.com/susmicrosystems/corekernel/pkg/errors"
)

// setsockopt/getsockopt level and option numbers, mirroring SOL_SOCKET's
// SO_RCVTIMEO/SO_SNDTIMEO as handled by sock_sol_getopt/sock_sol_setopt.
const (
	SolSocket  = 1
	SoRcvTimeo = 1
	SoSndTimeo = 2
)

// Domain mirrors the address family passed to socket(2).
type Domain int

const (
	DomainLocal Domain = iota
	DomainInet
	DomainInet6
	DomainPacket
)

// Type mirrors the socket type passed to socket(2).
type Type int

const (
	TypeStream Type = iota
	TypeDgram
	TypeRaw
)

// State mirrors enum SOCK_ST.
type State int

const (
	StateNone State = iota
	StateListening
	StateConnected
	StateClosed
)

// Addr is an opaque connection endpoint: a filesystem path for
// DomainLocal. It has no IP:port form; raw sockets reject Bind and
// Connect.
type Addr struct {
	Path string
}

// Socket is the operation set every concrete socket implementation
// provides, mirroring struct sock_op's vtable.
type Socket interface {
	Domain() Domain
	Type() Type
	State() State
	ID() string

	Bind(Addr) error
	Listen(backlog int) error
	Connect(Addr) error
	Accept() (Socket, error)

	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)

	Ioctl(request int, data []byte) error
	GetOpt(level, opt int) ([]byte, error)
	SetOpt(level, opt int, value []byte) error
	Poll(entry *PollEntry) error

	Shutdown() error
	Release() error
}

// Open constructs a new, unconnected socket for the given domain/type,
// mirroring sock_open's domain/type switch.
func Open(domain Domain, typ Type) (Socket, error) {
	return OpenProto(domain, typ, 0)
}

// OpenProto is Open with an explicit protocol filter, used by raw
// sockets to select which packets they receive (e.g. IPPROTO_TCP vs
// IPPROTO_UDP, or an EtherType for PF_PACKET).
func OpenProto(domain Domain, typ Type, protocol int) (Socket, error) {
	switch domain {
	case DomainLocal:
		switch typ {
		case TypeStream:
			return newStreamSocket(), nil
		default:
			return nil, errors.ErrNotSupported
		}
	case DomainInet, DomainInet6:
		switch typ {
		case TypeRaw:
			return newRawSocket(domain, protocol), nil
		default:
			return nil, errors.ErrNotSupported
		}
	case DomainPacket:
		if typ != TypeRaw {
			return nil, errors.ErrInvalid
		}
		return newRawSocket(domain, protocol), nil
	default:
		return nil, errors.ErrNotSupported
	}
}

// OpenPair creates a connected pair of local-stream sockets directly,
// mirroring sock_openpair / socketpair(2)'s fast path that skips the
// filesystem bind/connect dance entirely.
func OpenPair() (a, b Socket, err error) {
	if a, b, err = newConnectedPair(); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// pipeBuf is a small fixed-capacity byte ring used as one direction of a
// connected stream pair, a direct analogue of struct pipebuf.
type pipeBuf struct {
	mu     deadlock.Mutex
	cond   *sync.Cond
	buf    []byte
	r, w   int
	closed bool
}

const pipeBufSize = 8192

func newPipeBuf() *pipeBuf {
	p := &pipeBuf{buf: make([]byte, pipeBufSize)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeBuf) len() int {
	return p.w - p.r
}

func (p *pipeBuf) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.ErrBrokenPipe
	}
	n := 0
	for n < len(data) {
		for p.len() == len(p.buf) && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			return n, errors.ErrBrokenPipe
		}
		for n < len(data) && p.len() < len(p.buf) {
			p.buf[p.w%len(p.buf)] = data[n]
			p.w++
			n++
		}
		p.cond.Broadcast()
	}
	return n, nil
}

func (p *pipeBuf) Read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.len() == 0 && p.closed {
		return 0, io.EOF
	}
	n := 0
	for n < len(dst) && p.len() > 0 {
		dst[n] = p.buf[p.r%len(p.buf)]
		p.r++
		n++
	}
	p.cond.Broadcast()
	return n, nil
}

func (p *pipeBuf) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// streamSocket is a PF_LOCAL SOCK_STREAM endpoint: either unbound,
// listening with a connection backlog, or connected over a pair of
// pipeBufs (input/output swapped between the two peers), mirroring
// struct sock_pfl_stream's server/client union.
type streamSocket struct {
	mu    deadlock.Mutex
	id    string
	state State
	addr  Addr

	// listening
	backlog chan *streamSocket
	pending *streamSocket // never assigned or read; pending connections travel through backlog

	// connected
	in, out     *pipeBuf
	peer        *streamSocket
	connectedCh chan struct{} // closed by Accept once the peer side is wired up

	polls              pollList
	rcvTimeo, sndTimeo time.Duration
}

func newStreamSocket() *streamSocket {
	return &streamSocket{id: uuid.NewString(), state: StateNone}
}

func (s *streamSocket) Domain() Domain { return DomainLocal }
func (s *streamSocket) Type() Type     { return TypeStream }
func (s *streamSocket) ID() string     { return s.id }

func (s *streamSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *streamSocket) Bind(addr Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNone {
		return errors.ErrInvalid
	}
	s.addr = addr
	return nil
}

// registry maps a bound path to its listening socket, standing in for
// the filesystem socket-node lookup pfl_stream_connect performs via
// vfs_getnode; every bind/listen/connect in this package goes through it
// instead of walking pkg/vfs, since wiring sockets through real vfs
// nodes is left to the device/fd layer above this package.
var (
	registryMu sync.Mutex
	registry   = map[string]*streamSocket{}
)

// ListenerCount returns the number of bound listening sockets, exposed
// for pkg/kstat.
func ListenerCount() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(registry)
}

func (s *streamSocket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr.Path == "" {
		return errors.ErrInvalid
	}
	if backlog <= 0 {
		backlog = 1
	}
	registryMu.Lock()
	if _, exists := registry[s.addr.Path]; exists {
		registryMu.Unlock()
		return errors.ErrAddrInUse
	}
	registry[s.addr.Path] = s
	registryMu.Unlock()

	s.backlog = make(chan *streamSocket, backlog)
	s.state = StateListening
	return nil
}

func (s *streamSocket) Accept() (Socket, error) {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil, errors.ErrInvalid
	}
	ch := s.backlog
	s.mu.Unlock()

	client, ok := <-ch
	if !ok {
		return nil, errors.ErrInvalid
	}

	local := newStreamSocket()
	local.state = StateConnected
	local.in, local.out = client.out, client.in
	local.peer = client

	client.mu.Lock()
	client.peer = local
	client.state = StateConnected
	ch := client.connectedCh
	client.mu.Unlock()
	close(ch)

	return local, nil
}

func newConnectedPair() (*streamSocket, *streamSocket, error) {
	ab := newPipeBuf()
	ba := newPipeBuf()
	a := newStreamSocket()
	b := newStreamSocket()
	a.in, a.out = ba, ab
	b.in, b.out = ab, ba
	a.peer, b.peer = b, a
	a.state, b.state = StateConnected, StateConnected
	return a, b, nil
}

func (s *streamSocket) Connect(addr Addr) error {
	s.mu.Lock()
	if s.state != StateNone {
		s.mu.Unlock()
		return errors.ErrInvalid
	}
	s.mu.Unlock()

	registryMu.Lock()
	listener, ok := registry[addr.Path]
	registryMu.Unlock()
	if !ok {
		return errors.ErrConnRefused
	}

	listener.mu.Lock()
	if listener.state != StateListening {
		listener.mu.Unlock()
		return errors.ErrConnRefused
	}
	ch := listener.backlog
	listener.mu.Unlock()

	s.in, s.out = newPipeBuf(), newPipeBuf()
	s.connectedCh = make(chan struct{})
	select {
	case ch <- s:
	default:
		return errors.ErrConnRefused
	}

	// Blocks until Accept wires up the peer side, mirroring
	// waitq_wait_head_mutex(&PAIR_INPUT(pfl_stream)->wwaitq, ...).
	<-s.connectedCh
	return nil
}

func (s *streamSocket) Send(p []byte) (int, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return 0, errors.New("socket: not connected")
	}
	out := s.out
	s.mu.Unlock()
	return out.Write(p)
}

func (s *streamSocket) Recv(p []byte) (int, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return 0, errors.New("socket: not connected")
	}
	in := s.in
	s.mu.Unlock()
	n, err := in.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Shutdown closes the output side of a connected socket, unregisters a
// listener's bound path, and broadcasts POLLHUP to the peer's poll list so
// anyone polling it for POLLIN/POLLOUT sees the connection go away.
// Mirrors pfl_stream_release's poller_broadcast(peer->sock->poll_entries,
// POLLHUP) call on teardown.
func (s *streamSocket) Shutdown() error {
	s.mu.Lock()
	if s.out != nil {
		s.out.Close()
	}
	if s.addr.Path != "" {
		registryMu.Lock()
		delete(registry, s.addr.Path)
		registryMu.Unlock()
	}
	peer := s.peer
	s.peer = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.polls.broadcast(PollHup)
	if peer != nil {
		peer.polls.broadcast(PollHup)
	}
	return nil
}

// Release is the final teardown hook run once nothing else references the
// socket: it mirrors sock_release, which unconditionally shuts the socket
// down first and then runs any family-specific release op. The local
// stream family has nothing left to free beyond what Shutdown already
// does.
func (s *streamSocket) Release() error {
	return s.Shutdown()
}

// Ioctl mirrors sock_ioctl's op->ioctl dispatch. The concrete ioctls the
// original supports (SIOCGIFHWADDR, SIOCSIFADDR, ...) operate on a netif
// this module doesn't model, so every request is unsupported here, same
// as sock_ioctl's op==NULL branch.
func (s *streamSocket) Ioctl(int, []byte) error { return errors.ErrNotSupported }

// GetOpt implements the SOL_SOCKET timeout options sock_sol_getopt
// handles; any other level/option is unsupported.
func (s *streamSocket) GetOpt(level, opt int) ([]byte, error) {
	if level != SolSocket {
		return nil, errors.ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case SoRcvTimeo:
		return encodeTimeo(s.rcvTimeo), nil
	case SoSndTimeo:
		return encodeTimeo(s.sndTimeo), nil
	default:
		return nil, errors.ErrInvalid
	}
}

// SetOpt implements the SOL_SOCKET timeout options sock_sol_setopt
// handles; any other level/option is unsupported.
func (s *streamSocket) SetOpt(level, opt int, value []byte) error {
	if level != SolSocket {
		return errors.ErrInvalid
	}
	d, err := decodeTimeo(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case SoRcvTimeo:
		s.rcvTimeo = d
	case SoSndTimeo:
		s.sndTimeo = d
	default:
		return errors.ErrInvalid
	}
	return nil
}

// Poll registers entry against this socket's poll list, mirroring
// pfl_stream_poll's poller_add after computing the currently-ready mask.
// Readiness beyond connection teardown (POLLHUP) isn't recomputed here
// since pipeBuf has no non-blocking peek; callers learn about data
// availability the same way the rest of this package does, by calling
// Recv/Send directly.
func (s *streamSocket) Poll(entry *PollEntry) error {
	if s.State() == StateClosed {
		return errors.ErrInvalid
	}
	s.polls.add(entry)
	return nil
}

func encodeTimeo(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(d))
	return buf
}

func decodeTimeo(b []byte) (time.Duration, error) {
	if len(b) != 8 {
		return 0, errors.ErrInvalid
	}
	return time.Duration(binary.LittleEndian.Uint64(b)), nil
}
