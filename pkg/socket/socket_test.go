package socket_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/socket"
)

func TestOpenPairSendRecv(t *testing.T) {
	a, b, err := socket.OpenPair()
	require.NoError(t, err)

	n, err := a.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = b.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestBindListenAcceptConnect(t *testing.T) {
	listener, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(socket.Addr{Path: "/tmp/test.sock"}))
	require.NoError(t, listener.Listen(4))

	type acceptResult struct {
		sock socket.Socket
		err  error
	}
	done := make(chan acceptResult, 1)
	go func() {
		srv, err := listener.Accept()
		done <- acceptResult{srv, err}
	}()

	client, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	require.NoError(t, client.Connect(socket.Addr{Path: "/tmp/test.sock"}))

	var srv socket.Socket
	select {
	case res := <-done:
		require.NoError(t, res.err)
		srv = res.sock
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}

	_, err = client.Send([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := srv.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestConnectWithNoListenerFails(t *testing.T) {
	client, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	err = client.Connect(socket.Addr{Path: "/tmp/nonexistent.sock"})
	require.Error(t, err)
}

func TestSecondListenOnSameAddrFails(t *testing.T) {
	a, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	require.NoError(t, a.Bind(socket.Addr{Path: "/tmp/dup.sock"}))
	require.NoError(t, a.Listen(1))

	b, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	require.NoError(t, b.Bind(socket.Addr{Path: "/tmp/dup.sock"}))
	require.Error(t, b.Listen(1))
}

func TestRawSocketReceivesMatchingProtocolOnly(t *testing.T) {
	s, err := socket.OpenProto(socket.DomainInet, socket.TypeRaw, 6) // TCP only
	require.NoError(t, err)

	socket.Broadcast(socket.DomainInet, []byte{0xAA}, 6)  // TCP
	socket.Broadcast(socket.DomainInet, []byte{0xBB}, 17) // UDP

	buf := make([]byte, 4)
	n, err := s.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA}, buf[:n])
}

func TestShutdownClosesListenerRegistration(t *testing.T) {
	a, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	require.NoError(t, a.Bind(socket.Addr{Path: "/tmp/shut.sock"}))
	require.NoError(t, a.Listen(1))
	require.NoError(t, a.Shutdown())

	b, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	err = b.Connect(socket.Addr{Path: "/tmp/shut.sock"})
	require.Error(t, err)
}

func TestShutdownBroadcastsPollHupToPeer(t *testing.T) {
	a, b, err := socket.OpenPair()
	require.NoError(t, err)

	entry := &socket.PollEntry{Events: socket.PollHup, Ready: make(chan socket.PollEvent, 1)}
	require.NoError(t, b.Poll(entry))

	require.NoError(t, a.Shutdown())

	select {
	case ev := <-entry.Ready:
		require.Equal(t, socket.PollHup, ev)
	case <-time.After(time.Second):
		t.Fatal("peer was not notified of POLLHUP")
	}
}

func TestSetOptGetOptRoundTripsRcvTimeo(t *testing.T) {
	a, _, err := socket.OpenPair()
	require.NoError(t, err)

	want := 250 * time.Millisecond
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(want))
	require.NoError(t, a.SetOpt(socket.SolSocket, socket.SoRcvTimeo, buf))

	got, err := a.GetOpt(socket.SolSocket, socket.SoRcvTimeo)
	require.NoError(t, err)
	require.Equal(t, want, time.Duration(binary.LittleEndian.Uint64(got)))
}

func TestGetOptRejectsUnknownLevel(t *testing.T) {
	a, _, err := socket.OpenPair()
	require.NoError(t, err)
	_, err = a.GetOpt(99, socket.SoRcvTimeo)
	require.Error(t, err)
}

func TestReleaseShutsDownSocket(t *testing.T) {
	a, err := socket.Open(socket.DomainLocal, socket.TypeStream)
	require.NoError(t, err)
	require.NoError(t, a.Bind(socket.Addr{Path: "/tmp/release.sock"}))
	require.NoError(t, a.Listen(1))
	before := socket.ListenerCount()
	require.NoError(t, a.Release())
	require.Equal(t, before-1, socket.ListenerCount())
}

func TestRawSocketPollSeesPollInOnDeliver(t *testing.T) {
	s, err := socket.OpenProto(socket.DomainInet, socket.TypeRaw, 6)
	require.NoError(t, err)

	entry := &socket.PollEntry{Events: socket.PollIn, Ready: make(chan socket.PollEvent, 1)}
	require.NoError(t, s.Poll(entry))

	socket.Broadcast(socket.DomainInet, []byte{0xAA}, 6)

	select {
	case ev := <-entry.Ready:
		require.Equal(t, socket.PollIn, ev)
	case <-time.After(time.Second):
		t.Fatal("raw socket did not signal POLLIN")
	}
}
