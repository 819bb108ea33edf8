package nio_test

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nio-ev/nio"
)

// TestLoopbackEcho drives a Server + Socket pair through a full connect,
// write, echo, close cycle over real loopback sockets.
func TestLoopbackEcho(t *testing.T) {
	loop := startLoop(t)

	var gotOnServer sync.WaitGroup
	gotOnServer.Add(1)

	addr := listenLoopback(t, loop, func(srv *nio.Server, peer net.Addr) *nio.Socket {
		sock := nio.NewSocket(0)
		sock.OnConnect = func(s *nio.Socket) { require.NoError(t, s.ReadStart()) }
		sock.OnRead = func(s *nio.Socket, data []byte, err error) {
			if err != nil {
				return
			}
			echoed := make([]byte, len(data))
			copy(echoed, data)
			_ = s.Write(&nio.Buffer{Data: echoed})
		}
		return sock
	})

	client := nio.NewSocket(0)
	replies := make(chan string, 1)
	client.OnConnect = func(s *nio.Socket) {
		require.NoError(t, s.ReadStart())
		require.NoError(t, s.WriteString("ping"))
	}
	client.OnRead = func(s *nio.Socket, data []byte, err error) {
		if err != nil {
			return
		}
		replies <- string(data)
	}
	require.NoError(t, client.Connect(loop, addr))

	select {
	case msg := <-replies:
		assert.Equal(t, "ping", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo received")
	}
	_ = client.Close()
}

// TestHalfClose exercises WriteEOF: a socket that stops writing but keeps
// reading must still see the peer's data, and both sides converge on
// on_close once each has both sent and observed a half-close.
func TestHalfClose(t *testing.T) {
	loop := startLoop(t)

	serverClosed := make(chan struct{})
	addr := listenLoopback(t, loop, func(srv *nio.Server, peer net.Addr) *nio.Socket {
		sock := nio.NewSocket(0)
		sock.OnConnect = func(s *nio.Socket) { require.NoError(t, s.ReadStart()) }
		sock.OnRead = func(s *nio.Socket, data []byte, err error) {
			if err == io.EOF {
				_ = s.WriteString("bye")
				_ = s.WriteEOF()
			}
		}
		sock.OnClose = func(s *nio.Socket) { close(serverClosed) }
		return sock
	})

	clientClosed := make(chan struct{})
	gotBye := make(chan struct{})
	client := nio.NewSocket(0)
	client.OnConnect = func(s *nio.Socket) {
		require.NoError(t, s.ReadStart())
		require.NoError(t, s.WriteEOF())
	}
	client.OnRead = func(s *nio.Socket, data []byte, err error) {
		if err == nil && len(data) > 0 {
			close(gotBye)
		}
	}
	client.OnClose = func(s *nio.Socket) { close(clientClosed) }
	require.NoError(t, client.Connect(loop, addr))

	select {
	case <-gotBye:
	case <-time.After(3 * time.Second):
		t.Fatal("client never saw server's final message")
	}
	select {
	case <-clientClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("client never closed")
	}
	select {
	case <-serverClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("server side never closed")
	}
}

// TestInactivityTimeout confirms OnTimeout fires when neither side makes
// read/write progress within the configured window.
func TestInactivityTimeout(t *testing.T) {
	loop := startLoop(t)

	addr := listenLoopback(t, loop, func(srv *nio.Server, peer net.Addr) *nio.Socket {
		sock := nio.NewSocket(0)
		return sock
	})

	timedOut := make(chan struct{})
	client := nio.NewSocket(80 * time.Millisecond)
	client.OnTimeout = func(s *nio.Socket) {
		select {
		case <-timedOut:
		default:
			close(timedOut)
		}
		_ = s.Close()
	}
	require.NoError(t, client.Connect(loop, addr))

	select {
	case <-timedOut:
	case <-time.After(3 * time.Second):
		t.Fatal("OnTimeout never fired")
	}
}

// TestWriteBackpressure queues 8 MiB in one burst, more than the socket can
// take at once, so the write queue must buffer, and confirms OnDrain fires
// once it empties.
func TestWriteBackpressure(t *testing.T) {
	loop := startLoop(t)

	const chunk = 1 << 20 // 1MiB per write
	const chunks = 8

	var readTotal int64
	var mu sync.Mutex
	done := make(chan struct{})

	addr := listenLoopback(t, loop, func(srv *nio.Server, peer net.Addr) *nio.Socket {
		sock := nio.NewSocket(0)
		sock.OnConnect = func(s *nio.Socket) { require.NoError(t, s.ReadStart()) }
		sock.OnRead = func(s *nio.Socket, data []byte, err error) {
			if err != nil {
				return
			}
			mu.Lock()
			readTotal += int64(len(data))
			total := readTotal
			mu.Unlock()
			if total >= chunk*chunks {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		}
		return sock
	})

	drained := make(chan struct{})
	client := nio.NewSocket(0)
	client.OnConnect = func(s *nio.Socket) {
		for i := 0; i < chunks; i++ {
			buf := make([]byte, chunk)
			require.NoError(t, s.Write(&nio.Buffer{Data: buf}))
		}
	}
	client.OnDrain = func(s *nio.Socket) {
		select {
		case <-drained:
		default:
			close(drained)
		}
	}
	require.NoError(t, client.Connect(loop, addr))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("server never received all bytes")
	}
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		t.Fatal("OnDrain never fired")
	}
	_ = client.Close()
}

// TestTLSHandshakeAndEcho drives a full TLS handshake (via the thread-pool
// bridge) followed by an application-data round trip in both directions.
func TestTLSHandshakeAndEcho(t *testing.T) {
	loop := startLoop(t)

	cert := selfSignedCert(t)
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}

	addr := listenLoopback(t, loop, func(srv *nio.Server, peer net.Addr) *nio.Socket {
		sock := nio.NewSocket(0)
		require.NoError(t, sock.EnableTLS(serverCfg, true))
		sock.OnConnect = func(s *nio.Socket) { require.NoError(t, s.ReadStart()) }
		sock.OnRead = func(s *nio.Socket, data []byte, err error) {
			if err != nil {
				return
			}
			echoed := make([]byte, len(data))
			copy(echoed, data)
			_ = s.Write(&nio.Buffer{Data: echoed})
		}
		return sock
	})

	client := nio.NewSocket(0)
	require.NoError(t, client.EnableTLS(clientCfg, false))
	replies := make(chan string, 1)
	client.OnConnect = func(s *nio.Socket) {
		require.NoError(t, s.ReadStart())
		require.NoError(t, s.WriteString("secure-ping"))
	}
	client.OnRead = func(s *nio.Socket, data []byte, err error) {
		if err != nil {
			return
		}
		replies <- string(data)
	}
	require.NoError(t, client.Connect(loop, addr))

	select {
	case msg := <-replies:
		assert.Equal(t, "secure-ping", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no TLS echo received")
	}
	_ = client.Close()
}

// TestFileReadStart exercises pseudo-async file I/O: OpenPath, ReadStart
// delivering chunks, and io.EOF at end of file.
func TestFileReadStart(t *testing.T) {
	loop := startLoop(t)

	tmp, err := os.CreateTemp(t.TempDir(), "nio-file-*")
	require.NoError(t, err)
	const content = "the quick brown fox jumps over the lazy dog"
	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	f := nio.NewFile()
	require.NoError(t, f.Attach(loop))

	var mu sync.Mutex
	var got []byte
	eof := make(chan struct{})

	f.OnOpen = func(f *nio.File, err error) {
		require.NoError(t, err)
		buf := make([]byte, 8)
		require.NoError(t, f.ReadStart(buf))
	}
	f.OnRead = func(f *nio.File, data []byte, err error) {
		if err == io.EOF {
			close(eof)
			return
		}
		require.NoError(t, err)
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	}
	require.NoError(t, f.OpenPath(tmp.Name(), os.O_RDONLY, 0))

	select {
	case <-eof:
	case <-time.After(3 * time.Second):
		t.Fatal("file read never reached EOF")
	}
	mu.Lock()
	assert.Equal(t, content, string(got))
	mu.Unlock()
}
