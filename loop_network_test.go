package evloop

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenLoopback(t *testing.T) (int, string) {
	t.Helper()
	fd, err := Listen("127.0.0.1:0", 128, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseSocket(fd) })

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	addr := (&net.TCPAddr{IP: net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3]), Port: sa4.Port}).String()
	return fd, addr
}

// S2 — accept loop: listen, post an accept, externally connect with a
// plain net.Dial. Expect the accept callback to receive a new socket
// fd, and a follow-up recv on it to observe 0 after the peer closes.
func TestS2AcceptDeliversNonBlockingSocket(t *testing.T) {
	l := newTestLoop(t)
	lnFd, addr := listenLoopback(t)

	acceptDone := make(chan int, 1)
	acceptC := &Completion{}
	require.NoError(t, l.SubmitAccept(nil, func(ctx any, c *Completion, res Result) {
		require.NoError(t, res.Err)
		acceptDone <- res.Fd
	}, acceptC, lnFd))

	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	require.NoError(t, l.RunFor(time.Second))

	var acceptedFd int
	select {
	case acceptedFd = <-acceptDone:
	default:
		t.Fatal("accept callback did not fire")
	}
	t.Cleanup(func() { _ = CloseSocket(acceptedFd) })

	fl, err := unix.FcntlInt(uintptr(acceptedFd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, fl&unix.O_NONBLOCK)

	recvDone := make(chan Result, 1)
	recvBuf := make([]byte, 16)
	recvC := &Completion{}
	require.NoError(t, l.SubmitRecv(nil, func(ctx any, c *Completion, res Result) {
		recvDone <- res
	}, recvC, acceptedFd, recvBuf))

	require.NoError(t, peer.Close())
	require.NoError(t, l.RunFor(time.Second))

	select {
	case res := <-recvDone:
		require.NoError(t, res.Err)
		require.Equal(t, 0, res.N)
	default:
		t.Fatal("recv callback did not fire after peer close")
	}
}

// S3 — echo: on an accepted socket, a 13-byte recv buffer receives
// exactly "Hello, World!" from the peer.
func TestS3RecvExactPayload(t *testing.T) {
	l := newTestLoop(t)
	lnFd, addr := listenLoopback(t)

	acceptDone := make(chan int, 1)
	acceptC := &Completion{}
	require.NoError(t, l.SubmitAccept(nil, func(ctx any, c *Completion, res Result) {
		require.NoError(t, res.Err)
		acceptDone <- res.Fd
	}, acceptC, lnFd))

	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	require.NoError(t, l.RunFor(time.Second))
	acceptedFd := <-acceptDone
	t.Cleanup(func() { _ = CloseSocket(acceptedFd) })

	payload := []byte("Hello, World!")
	recvBuf := make([]byte, len(payload))
	recvDone := make(chan Result, 1)
	recvC := &Completion{}
	require.NoError(t, l.SubmitRecv(nil, func(ctx any, c *Completion, res Result) {
		recvDone <- res
	}, recvC, acceptedFd, recvBuf))

	_, err = peer.Write(payload)
	require.NoError(t, err)

	require.NoError(t, l.RunFor(time.Second))
	select {
	case res := <-recvDone:
		require.NoError(t, res.Err)
		require.Equal(t, len(payload), res.N)
		require.Equal(t, payload, recvBuf[:res.N])
	default:
		t.Fatal("recv callback did not fire")
	}
}

// S5 — would-block then ready: a recv submitted while no data is
// available does not fire during a RunFor that spends its budget with
// no data arriving; once the peer writes, a subsequent RunFor delivers
// the bytes.
func TestS5RecvWaitsForReadiness(t *testing.T) {
	l := newTestLoop(t)
	lnFd, addr := listenLoopback(t)

	acceptDone := make(chan int, 1)
	acceptC := &Completion{}
	require.NoError(t, l.SubmitAccept(nil, func(ctx any, c *Completion, res Result) {
		acceptDone <- res.Fd
	}, acceptC, lnFd))

	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	require.NoError(t, l.RunFor(time.Second))
	acceptedFd := <-acceptDone
	t.Cleanup(func() { _ = CloseSocket(acceptedFd) })

	var recvFired bool
	var recvResult Result
	recvBuf := make([]byte, 8)
	recvC := &Completion{}
	require.NoError(t, l.SubmitRecv(nil, func(ctx any, c *Completion, res Result) {
		recvFired = true
		recvResult = res
	}, recvC, acceptedFd, recvBuf))

	require.NoError(t, l.RunFor(20*time.Millisecond))
	require.False(t, recvFired, "no data yet: callback must not fire")

	_, err = peer.Write([]byte("hi there"))
	require.NoError(t, err)

	require.NoError(t, l.RunFor(10*time.Millisecond))
	require.True(t, recvFired)
	require.NoError(t, recvResult.Err)
	require.Equal(t, 8, recvResult.N)
}

// S4 — short write retry: sending a large buffer on a socket with a
// small send buffer returns a short write; the caller resubmits the
// remainder until the whole payload is sent.
func TestS4ShortWriteRetryCoversWholeBuffer(t *testing.T) {
	l := newTestLoop(t)
	lnFd, addr := listenLoopback(t)

	acceptDone := make(chan int, 1)
	acceptC := &Completion{}
	require.NoError(t, l.SubmitAccept(nil, func(ctx any, c *Completion, res Result) {
		acceptDone <- res.Fd
	}, acceptC, lnFd))

	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	require.NoError(t, peer.(*net.TCPConn).SetReadBuffer(4096))

	require.NoError(t, l.RunFor(time.Second))
	acceptedFd := <-acceptDone
	t.Cleanup(func() { _ = CloseSocket(acceptedFd) })
	require.NoError(t, unix.SetsockoptInt(acceptedFd, unix.SOL_SOCKET, unix.SO_SNDBUF, 64*1024))

	const total = 1 << 20 // 1 MiB
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Drain the peer concurrently so the sender can make progress past
	// its 64KiB send buffer.
	drained := make(chan int, 1)
	go func() {
		n := 0
		buf := make([]byte, 32*1024)
		for n < total {
			k, err := peer.Read(buf)
			if err != nil {
				break
			}
			n += k
		}
		drained <- n
	}()

	var sent int
	var submitNext func()
	sendC := &Completion{}
	submitNext = func() {
		remaining := payload[sent:]
		require.NoError(t, l.SubmitSend(nil, func(ctx any, c *Completion, res Result) {
			require.NoError(t, res.Err)
			require.LessOrEqual(t, res.N, 64*1024)
			sent += res.N
			if sent < total {
				submitNext()
			}
		}, sendC, acceptedFd, remaining))
	}
	submitNext()

	require.NoError(t, l.RunFor(5*time.Second))
	require.Equal(t, total, sent)
	require.Equal(t, total, <-drained)
}
