package connection

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func startServe(t *testing.T, m *Manager, ln net.Listener, h Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Serve(ctx, ln, h) }()
	return cancel, errc
}

func TestServeHandlesConnections(t *testing.T) {
	ln := listen(t)
	m := NewManager(4, zerolog.Nop())
	echo := HandlerFunc(func(_ context.Context, conn net.Conn) {
		io.Copy(conn, io.LimitReader(conn, 5))
	})
	cancel, errc := startServe(t, m, ln, echo)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write([]byte("hello"))
		require.NoError(t, err)
		got, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
		conn.Close()
	}

	cancel()
	require.NoError(t, <-errc)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Active())
}

func TestServeBoundsConcurrency(t *testing.T) {
	ln := listen(t)
	m := NewManager(2, zerolog.Nop())

	var running, peak atomic.Int32
	release := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, conn net.Conn) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	})
	cancel, errc := startServe(t, m, ln, h)
	defer cancel()

	var clients []net.Conn
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		clients = append(clients, conn)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	require.Eventually(t, func() bool { return m.Active() == 0 && running.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	for _, c := range clients {
		c.Close()
	}
	cancel()
	require.NoError(t, <-errc)
}

func TestServeSurvivesHandlerPanic(t *testing.T) {
	ln := listen(t)
	var logs bytes.Buffer
	m := NewManager(1, zerolog.New(&logs))

	var calls atomic.Int32
	h := HandlerFunc(func(_ context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		io.WriteString(conn, "ok")
	})
	cancel, errc := startServe(t, m, ln, h)

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = io.ReadAll(first)
	require.NoError(t, err, "the panicking connection must be closed")
	first.Close()

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got), "the slot must be released after a panic")
	second.Close()

	cancel()
	require.NoError(t, <-errc)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Active())
	assert.Contains(t, logs.String(), "Connection handler panicked")
	assert.Contains(t, logs.String(), "boom")
}

func TestShutdownClosesStuckConnections(t *testing.T) {
	ln := listen(t)
	m := NewManager(0, zerolog.Nop())

	started := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, conn net.Conn) {
		close(started)
		io.Copy(io.Discard, conn)
	})
	cancel, errc := startServe(t, m, ln, h)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	cancel()
	require.NoError(t, <-errc)

	ctx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, m.Active())
}

func TestDialerConnects(t *testing.T) {
	ln := listen(t)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := NewDialer(time.Second).DialContext(context.Background(), "127.0.0.1", addr.Port)
	require.NoError(t, err)
	conn.Close()
}

func TestDialerRefused(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err := NewDialer(time.Second).DialContext(context.Background(), "127.0.0.1", addr.Port)
	assert.Error(t, err)
}
