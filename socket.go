// Copyright (c) 2019 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nio

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nio-ev/nio/internal/netpoll"
	"github.com/nio-ev/nio/internal/sockaddr"
	"github.com/nio-ev/nio/internal/tlsbridge"
	"github.com/nio-ev/nio/internal/wbuf"
)

// defaultChunkSize is the scratch buffer size a Socket reads into when
// read_start is active. It is not caller-visible and is never handed to a
// user callback across a call boundary that could outlive it.
const defaultChunkSize = 64 * 1024

type socketState int32

const (
	sockInit socketState = iota
	sockConnecting
	sockHandshaking
	sockOpen
	sockHalfClosedWrite
	sockClosing
	sockClosed
)

// Socket is a single non-blocking TCP connection, with or without TLS. It
// implements the state machine of §4.4 of the specification: INIT ->
// CONNECTING -> [HANDSHAKING] -> OPEN -> [HALF_CLOSED_WRITE] -> CLOSING ->
// CLOSED. Every field below is only ever touched from the loop goroutine a
// Socket is attached to.
type Socket struct {
	// OnConnect fires once the socket reaches OPEN: after connect(2)
	// completes for an outbound socket, after accept for an inbound one, or
	// after the TLS handshake completes for a secure socket in either role.
	OnConnect func(s *Socket)
	// OnRead delivers a chunk of plaintext, or a nil chunk with a non-nil
	// err (io.EOF on a clean peer half-close, otherwise the failure) once.
	// read_start is required for OnRead to ever fire.
	OnRead func(s *Socket, data []byte, err error)
	// OnDrain fires when the write queue becomes empty after having held at
	// least one buffer since it was last empty.
	OnDrain func(s *Socket)
	// OnError reports a *Error for a failed connect, read, write, TLS
	// operation or error event. Every error reported here is followed by
	// the socket closing, with on_close deferred as normal.
	OnError func(s *Socket, err error)
	// OnTimeout fires when no read/write progress happens for the
	// configured inactivity timeout.
	OnTimeout func(s *Socket)
	// OnClose fires exactly once, always as a deferred (never synchronous)
	// callback, when the socket has fully released its descriptor.
	OnClose func(s *Socket)
	// Data is an opaque slot for the caller's own per-socket state.
	Data any

	// WaitForSecureHangup controls what Close does on a secure socket once
	// our own close_notify has been sent. false (the default) transitions
	// to CLOSED as soon as it's sent, without waiting for the peer's own
	// close_notify. true waits for the peer's close_notify (or EOF) or the
	// socket's configured timeout, whichever comes first. Has no effect on
	// a plaintext socket. Per §4.4 of the specification.
	WaitForSecureHangup bool

	loop    *Loop
	fd      int
	watcher netpoll.Watcher
	timer   netpoll.Timer
	timeout time.Duration

	localAddr, remoteAddr *net.TCPAddr

	state socketState

	connected       bool
	readStarted     bool
	gotHalfClose    bool
	sentHalfClose   bool
	wroteSinceEmpty bool
	metricsOpened   bool

	rawWriteQ wbuf.Queue
	scratch   []byte

	secure           bool
	tlsIsServer      bool
	tlsConfig        *tls.Config
	tlsBridge        *tlsbridge.Bridge
	handshakeStarted bool
	handshakeDone    bool
	appReadInFlight  bool
	appWriteInFlight bool
	pendingAppWrites []*Buffer

	byeSent          bool
	awaitingHangup   bool
	hangupReleaseErr error
}

// NewSocket allocates an unattached Socket in the INIT state. timeout <= 0
// disables the inactivity timer.
func NewSocket(timeout time.Duration) *Socket {
	return &Socket{fd: -1, timeout: timeout}
}

// EnableTLS configures the socket to negotiate TLS once connected/accepted.
// It must be called while the socket is still in the INIT state — before
// Connect for an outbound socket, or before returning the socket from a
// Server's OnConnection for an inbound one.
func (s *Socket) EnableTLS(cfg *tls.Config, isServer bool) error {
	if s.state != sockInit {
		return newLibraryError(ErrAlreadyOpen)
	}
	s.secure = true
	s.tlsIsServer = isServer
	s.tlsConfig = cfg
	return nil
}

// LocalAddr returns the socket's local address, or nil before it is known.
func (s *Socket) LocalAddr() net.Addr {
	if s.localAddr == nil {
		return nil
	}
	return s.localAddr
}

// RemoteAddr returns the socket's peer address, or nil before it is known.
func (s *Socket) RemoteAddr() net.Addr {
	if s.remoteAddr == nil {
		return nil
	}
	return s.remoteAddr
}

// Connect begins an outbound connection to addr on loop. Connect is
// non-blocking: completion (success or failure) is reported through
// OnConnect / OnError, never as a return value from Connect itself, except
// for setup-phase misuse (§7.4).
func (s *Socket) Connect(loop *Loop, addr *net.TCPAddr) error {
	if s.state != sockInit {
		return newLibraryError(ErrAlreadyOpen)
	}
	if loop == nil {
		return newLibraryError(ErrNoLoop)
	}
	if addr == nil {
		return newResolutionError(ErrInvalidAddr)
	}
	sa, family, err := sockaddr.ToSockaddr(addr)
	if err != nil {
		return newResolutionError(err)
	}
	fd, err := sockaddr.NewNonblockingSocket(family)
	if err != nil {
		return newSystemError(err)
	}
	s.fd = fd
	s.loop = loop
	s.remoteAddr = addr
	s.scratch = make([]byte, defaultChunkSize)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		s.fd = -1
		return newSystemError(os.NewSyscallError("connect", err))
	}

	s.state = sockConnecting
	s.watcher = netpoll.Watcher{FD: fd, Callback: s.handleEvents}
	if aerr := s.loop.np.AddWatcher(&s.watcher, false, true); aerr != nil {
		_ = unix.Close(fd)
		s.fd = -1
		s.state = sockInit
		return newSystemError(aerr)
	}
	s.armTimer()
	return nil
}

// adoptAccepted wires an already-constructed Socket (as returned from a
// Server's OnConnection) onto a freshly accepted descriptor, per §4.3's
// "assign its descriptor and peer address, mark connected, attach it to the
// same loop, arm its timer, and invoke its on_connect" contract.
func (s *Socket) adoptAccepted(loop *Loop, fd int, local, remote *net.TCPAddr) error {
	s.fd = fd
	s.loop = loop
	s.localAddr = local
	s.remoteAddr = remote
	s.scratch = make([]byte, defaultChunkSize)
	s.connected = true

	s.watcher = netpoll.Watcher{FD: fd, Callback: s.handleEvents}
	if err := s.loop.np.AddWatcher(&s.watcher, false, false); err != nil {
		return newSystemError(err)
	}
	s.armTimer()

	if s.secure {
		s.state = sockHandshaking
		s.startHandshake()
	} else {
		s.state = sockOpen
		s.markOpen()
		s.syncWatcher()
		if s.OnConnect != nil {
			s.OnConnect(s)
		}
	}
	return nil
}

// ReadStart arms delivery of OnRead. Reading is otherwise inert: a socket
// that never calls ReadStart never invokes OnRead, matching the
// specification's default-off read model.
func (s *Socket) ReadStart() error {
	if s.state == sockClosed || s.state == sockClosing {
		return newLibraryError(ErrClosed)
	}
	s.readStarted = true
	s.syncWatcher()
	if s.secure && s.handshakeDone {
		s.ensureAppRead()
	}
	return nil
}

// ReadStop disables delivery of OnRead. A read already in flight when
// ReadStop is called (the TLS worker path) still completes, but its data
// is delivered only if ReadStart has been called again by then; otherwise
// it is dropped, and no further read is submitted. For plaintext sockets
// ReadStop is a plain watcher rearm.
func (s *Socket) ReadStop() error {
	s.readStarted = false
	s.syncWatcher()
	return nil
}

// ResetTimeout restarts the inactivity timer without waiting for read/write
// progress. Rarely needed directly; read/write progress does this
// automatically.
func (s *Socket) ResetTimeout() { s.armTimer() }

// Write enqueues buf for delivery. Ordering across Write calls is
// preserved. buf.Release is invoked exactly once, regardless of outcome.
func (s *Socket) Write(buf *Buffer) error {
	if buf == nil {
		return newLibraryError(ErrInvalidAddr)
	}
	switch s.state {
	case sockClosing, sockClosed, sockHalfClosedWrite:
		if buf.Release != nil {
			buf.Release(ErrWriteAfterEOF)
		}
		return newLibraryError(ErrWriteAfterEOF)
	}
	if s.sentHalfClose {
		if buf.Release != nil {
			buf.Release(ErrWriteAfterEOF)
		}
		return newLibraryError(ErrWriteAfterEOF)
	}

	if s.secure {
		s.pendingAppWrites = append(s.pendingAppWrites, buf)
		if s.handshakeDone {
			s.pumpAppWrites()
		}
		return nil
	}

	s.rawWriteQ.PushBack(&wbuf.Entry{Data: buf.Data, Release: buf.Release})
	s.tryFlush()
	return nil
}

// WriteString is a convenience wrapper around Write(WriteString(str)).
func (s *Socket) WriteString(str string) error { return s.Write(WriteString(str)) }

// WriteEOF half-closes the write side once the write queue drains: no
// further Write calls are accepted afterward.
func (s *Socket) WriteEOF() error {
	if s.sentHalfClose {
		return nil
	}
	s.sentHalfClose = true
	if s.secure && len(s.pendingAppWrites) == 0 && !s.appWriteInFlight {
		s.shutdownWrite()
	} else if !s.secure && s.rawWriteQ.IsEmpty() {
		s.shutdownWrite()
	}
	return nil
}

// Close tears the socket down immediately, discarding any unwritten
// buffers (their Release hooks still run, with a non-nil error) and
// deferring on_close.
func (s *Socket) Close() error {
	if s.state == sockClosing || s.state == sockClosed {
		return nil
	}
	s.beginClose(ErrClosed)
	return nil
}

// --- internal state machine ---

func (s *Socket) armTimer() {
	if s.timeout <= 0 || s.loop == nil {
		return
	}
	if s.timer.Callback == nil {
		s.timer.Callback = s.onTimeout
	}
	s.loop.armTimer(&s.timer, s.timeout)
}

// markOpen records the socket's transition to OPEN with the loop's
// metrics recorder, exactly once per socket regardless of role or TLS.
func (s *Socket) markOpen() {
	if s.metricsOpened || s.loop == nil {
		return
	}
	s.metricsOpened = true
	s.loop.Metrics.SocketOpened()
}

func (s *Socket) disarmTimer() {
	if s.loop != nil {
		s.loop.disarmTimer(&s.timer)
	}
}

func (s *Socket) onTimeout() {
	if s.state == sockClosed || s.state == sockClosing {
		return
	}
	if s.loop != nil {
		s.loop.Metrics.TimeoutFired()
	}
	if s.OnTimeout != nil {
		s.OnTimeout(s)
	}
}

// syncWatcher recomputes the epoll direction bits from current state:
// readable when read_started, or for TLS bookkeeping while the handshake
// hasn't completed yet or we're waiting on the peer's own close_notify
// (§4.4 ties the raw read *syscall* to read_started for plaintext sockets;
// a secure socket still needs to pump ciphertext off the wire for the
// handshake/hangup-wait to make progress even before/without read_start).
// Once the peer's FIN has been read, the read direction is never armed again.
// writable when the raw write queue has pending bytes or we're still
// waiting on connect(2) to complete.
func (s *Socket) syncWatcher() {
	if s.loop == nil || s.fd < 0 {
		return
	}
	readable := !s.gotHalfClose && (s.readStarted || (s.secure && (!s.handshakeDone || s.awaitingHangup)))
	writable := !s.rawWriteQ.IsEmpty() || s.state == sockConnecting
	_ = s.loop.np.SetWatcher(&s.watcher, readable, writable)
}

func (s *Socket) handleEvents(readable, writable bool, ioErr error) {
	if s.state == sockClosed {
		return
	}
	if ioErr != nil {
		if serr := sockaddr.SocketError(s.fd); serr != nil {
			s.failAndClose(newSystemError(serr))
			return
		}
		if s.state == sockConnecting {
			s.failAndClose(newSystemError(ioErr))
			return
		}
		// No pending socket error: the event is the peer's FIN (EPOLLRDHUP,
		// or EPOLLHUP once our own write side is shut too). Let the read
		// path below observe it as end-of-stream.
		readable = readable && !s.gotHalfClose
	}

	if s.state == sockConnecting {
		if writable {
			s.completeConnect()
		}
		return
	}

	if readable {
		s.handleReadable()
	}
	if writable && s.state != sockClosed {
		s.tryFlush()
	}
}

func (s *Socket) completeConnect() {
	if err := sockaddr.SocketError(s.fd); err != nil {
		s.failAndClose(newSystemError(err))
		return
	}
	s.connected = true
	s.armTimer()
	if s.secure {
		s.state = sockHandshaking
		s.startHandshake()
	} else {
		s.state = sockOpen
		s.markOpen()
		s.syncWatcher()
		if s.OnConnect != nil {
			s.OnConnect(s)
		}
	}
}

func (s *Socket) handleReadable() {
	if s.fd < 0 {
		return
	}
	n, err := unix.Read(s.fd, s.scratch)
	switch {
	case n > 0:
		s.armTimer()
		if s.secure {
			s.tlsBridge.Feed(s.scratch[:n])
			s.flushTLSOutbound()
			if s.handshakeDone {
				s.ensureAppRead()
			}
		} else if s.readStarted {
			if s.OnRead != nil {
				s.loop.Metrics.BytesRead(n)
				s.OnRead(s, s.scratch[:n], nil)
			}
		}
	case n == 0:
		s.gotHalfClose = true
		s.syncWatcher()
		if s.secure {
			s.tlsBridge.CloseInbound()
		}
		if s.readStarted && s.OnRead != nil && !s.secure {
			s.OnRead(s, nil, io.EOF)
		}
		if s.sentHalfClose {
			s.beginClose(nil)
		}
	default:
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		s.failAndClose(newSystemError(os.NewSyscallError("read", err)))
	}
}

// tryFlush drains as much of the raw write queue to the descriptor as
// possible without blocking, invoking OnDrain and performing the deferred
// shutdown(2)/close(2) transitions the queue draining to empty can unblock.
func (s *Socket) tryFlush() {
	if s.fd < 0 {
		return
	}
	for !s.rawWriteQ.IsEmpty() {
		buf := s.rawWriteQ.Pending()
		n, err := unix.Write(s.fd, buf)
		if n > 0 {
			s.armTimer()
			s.wroteSinceEmpty = true
			s.loop.Metrics.BytesWritten(n)
			s.rawWriteQ.Advance(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				break
			}
			s.rawWriteQ.DiscardAll(newSystemError(os.NewSyscallError("write", err)))
			s.failAndClose(newSystemError(os.NewSyscallError("write", err)))
			return
		}
		if n == 0 {
			break
		}
	}
	if s.rawWriteQ.IsEmpty() {
		if s.wroteSinceEmpty {
			s.wroteSinceEmpty = false
			if s.OnDrain != nil {
				s.OnDrain(s)
			}
		}
		if s.sentHalfClose && s.state == sockOpen {
			s.shutdownWrite()
		}
	}
	s.syncWatcher()
}

func (s *Socket) shutdownWrite() {
	if s.gotHalfClose {
		s.beginClose(nil)
		return
	}
	if s.secure && s.tlsBridge != nil && s.handshakeDone {
		s.sendHalfCloseBye()
		return
	}
	if s.fd >= 0 {
		_ = unix.Shutdown(s.fd, unix.SHUT_WR)
	}
	s.state = sockHalfClosedWrite
	s.syncWatcher()
}

// sendHalfCloseBye drives a TLS close_notify for a write-side-only half
// close: unlike beginClose, it does not tear the socket down, since the
// read side may still be open.
func (s *Socket) sendHalfCloseBye() {
	s.sendCloseNotify(func(_ error) {
		if s.state != sockClosing && s.state != sockClosed {
			s.state = sockHalfClosedWrite
			s.syncWatcher()
		}
	})
}

func (s *Socket) failAndClose(err *Error) {
	if s.OnError != nil {
		s.OnError(s, err)
	}
	s.beginClose(err)
}

// beginClose starts the close sequence: pending writes are discarded
// (Release invoked with releaseErr), the descriptor and watcher are torn
// down, and on_close is deferred to the loop's next wakeup — never called
// synchronously, per invariant 1 of §4.4.
func (s *Socket) beginClose(releaseErr error) {
	if s.state == sockClosing || s.state == sockClosed {
		return
	}
	s.state = sockClosing
	s.disarmTimer()
	s.rawWriteQ.DiscardAll(releaseErr)
	for _, buf := range s.pendingAppWrites {
		if buf.Release != nil {
			buf.Release(releaseErr)
		}
	}
	s.pendingAppWrites = nil
	if s.secure && s.tlsBridge != nil && s.handshakeDone {
		s.sendSecureBye(releaseErr)
		return
	}
	s.finishClose(releaseErr)
}

// sendSecureBye drives the close_notify our side of Close owes the peer
// (§4.4: "close() on a secure socket initiates a bye"). Once it is sent,
// WaitForSecureHangup decides whether we transition to CLOSED immediately
// or wait for the peer's own bye (or the timeout).
func (s *Socket) sendSecureBye(releaseErr error) {
	s.sendCloseNotify(func(_ error) {
		if !s.WaitForSecureHangup {
			s.disarmTimer()
			s.finishClose(releaseErr)
			return
		}
		s.awaitSecureHangup(releaseErr)
	})
}

// awaitSecureHangup waits for the peer's own close_notify (delivered as an
// application-read EOF) or the socket's inactivity timeout, whichever comes
// first, before finishing the close.
func (s *Socket) awaitSecureHangup(releaseErr error) {
	s.awaitingHangup = true
	s.hangupReleaseErr = releaseErr
	if s.timeout > 0 && s.loop != nil {
		s.timer.Callback = func() {
			s.disarmTimer()
			s.finishClose(releaseErr)
		}
		s.loop.armTimer(&s.timer, s.timeout)
	}
	s.ensureAppRead()
}

// sendCloseNotify submits the TLS close_notify exactly once per socket;
// subsequent calls invoke after synchronously with no further I/O.
func (s *Socket) sendCloseNotify(after func(closeErr error)) {
	if s.byeSent {
		after(nil)
		return
	}
	s.byeSent = true
	fp, err := s.loop.filePool()
	if err != nil {
		after(err)
		return
	}
	err = s.tlsBridge.CloseAsync(fp, s.loop.trigger, func(closeErr error) {
		s.flushTLSOutbound()
		after(closeErr)
	})
	if err != nil {
		after(err)
	}
}

func (s *Socket) finishClose(_ error) {
	if s.state == sockClosed {
		return
	}
	if s.secure && s.tlsBridge != nil {
		s.tlsBridge.CloseInbound()
	}
	if s.fd >= 0 && s.loop != nil {
		_ = s.loop.np.RemoveWatcher(&s.watcher)
		_ = unix.Close(s.fd)
	}
	s.fd = -1
	s.state = sockClosed
	if s.metricsOpened && s.loop != nil {
		s.loop.Metrics.SocketClosed()
	}
	loop := s.loop
	if loop != nil {
		loop.Defer(func() {
			if s.OnClose != nil {
				s.OnClose(s)
			}
		})
	} else if s.OnClose != nil {
		s.OnClose(s)
	}
}

// --- TLS ---

func (s *Socket) startHandshake() {
	if s.handshakeStarted {
		return
	}
	s.handshakeStarted = true
	if s.tlsIsServer {
		s.tlsBridge = tlsbridge.NewServer(s.tlsConfig)
	} else {
		s.tlsBridge = tlsbridge.NewClient(s.tlsConfig)
	}
	loop := s.loop
	s.tlsBridge.SetOutboundNotify(func() {
		loop.trigger(func() { s.flushTLSOutbound() })
	})

	fp, err := s.loop.filePool()
	if err != nil {
		s.failAndClose(newTLSError(err))
		return
	}
	err = s.tlsBridge.HandshakeAsync(fp, s.loop.trigger, s.onHandshakeDone)
	if err != nil {
		s.failAndClose(newTLSError(err))
		return
	}
	s.syncWatcher()
}

func (s *Socket) onHandshakeDone(err error) {
	if s.state == sockClosed || s.state == sockClosing {
		return
	}
	if err != nil {
		s.failAndClose(newTLSError(err))
		return
	}
	s.handshakeDone = true
	s.state = sockOpen
	s.markOpen()
	s.flushTLSOutbound()
	s.syncWatcher()
	if s.OnConnect != nil {
		s.OnConnect(s)
	}
	if s.readStarted {
		s.ensureAppRead()
	}
	s.pumpAppWrites()
}

// flushTLSOutbound moves any ciphertext the bridge has produced into the
// raw write queue bound for the real descriptor.
func (s *Socket) flushTLSOutbound() {
	if s.tlsBridge == nil {
		return
	}
	if ct := s.tlsBridge.TakeOutbound(); len(ct) > 0 {
		s.rawWriteQ.PushBack(&wbuf.Entry{Data: ct})
		s.tryFlush()
	}
}

func (s *Socket) ensureAppRead() {
	if s.appReadInFlight || (!s.readStarted && !s.awaitingHangup) || s.tlsBridge == nil {
		return
	}
	fp, err := s.loop.filePool()
	if err != nil {
		if s.awaitingHangup {
			s.disarmTimer()
			s.finishClose(s.hangupReleaseErr)
			return
		}
		s.failAndClose(newTLSError(err))
		return
	}
	s.appReadInFlight = true
	readBuf := make([]byte, defaultChunkSize)
	err = s.tlsBridge.ReadAsync(fp, readBuf, s.loop.trigger, func(n int, rerr error) {
		s.appReadInFlight = false
		if s.state == sockClosed {
			return
		}
		s.flushTLSOutbound()
		if n > 0 && s.readStarted && s.OnRead != nil {
			s.armTimer()
			s.loop.Metrics.BytesRead(n)
			s.OnRead(s, readBuf[:n], nil)
		}
		if rerr != nil {
			if s.awaitingHangup {
				s.disarmTimer()
				s.finishClose(s.hangupReleaseErr)
				return
			}
			if rerr == io.EOF {
				s.gotHalfClose = true
				if s.readStarted && s.OnRead != nil {
					s.OnRead(s, nil, io.EOF)
				}
				if s.sentHalfClose {
					s.beginClose(nil)
				}
				return
			}
			s.failAndClose(newTLSError(rerr))
			return
		}
		if s.awaitingHangup {
			s.ensureAppRead()
			return
		}
		if s.readStarted {
			s.ensureAppRead()
		}
	})
	if err != nil {
		s.appReadInFlight = false
		if s.awaitingHangup {
			s.disarmTimer()
			s.finishClose(s.hangupReleaseErr)
			return
		}
		s.failAndClose(newTLSError(err))
	}
}

func (s *Socket) pumpAppWrites() {
	if s.appWriteInFlight || len(s.pendingAppWrites) == 0 || s.tlsBridge == nil {
		return
	}
	buf := s.pendingAppWrites[0]
	fp, err := s.loop.filePool()
	if err != nil {
		s.failAndClose(newTLSError(err))
		return
	}
	s.appWriteInFlight = true
	err = s.tlsBridge.WriteAsync(fp, buf.Data, s.loop.trigger, func(n int, werr error) {
		s.appWriteInFlight = false
		s.pendingAppWrites = s.pendingAppWrites[1:]
		s.flushTLSOutbound()
		if werr != nil {
			if buf.Release != nil {
				buf.Release(werr)
			}
			s.failAndClose(newTLSError(werr))
			return
		}
		if buf.Release != nil {
			buf.Release(nil)
		}
		if len(s.pendingAppWrites) == 0 {
			if s.sentHalfClose {
				s.shutdownWrite()
			}
			if s.OnDrain != nil {
				s.OnDrain(s)
			}
		}
		s.pumpAppWrites()
	})
	if err != nil {
		s.appWriteInFlight = false
		if buf.Release != nil {
			buf.Release(err)
		}
		s.failAndClose(newTLSError(err))
	}
}
