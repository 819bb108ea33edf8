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
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nio-ev/nio/internal/logging"
	"github.com/nio-ev/nio/internal/netpoll"
	"github.com/nio-ev/nio/internal/sockaddr"
)

// defaultBacklog mirrors the backlog gnet's own acceptor path passes to
// listen(2) when the caller doesn't override it.
const defaultBacklog = 512

// acceptRetryBackoff is the pause a Server applies to its own accept loop
// after a resource-exhaustion error (EMFILE/ENFILE). The pause is the same
// on every occurrence; it does not grow on repeated exhaustion.
const acceptRetryBackoff = time.Second

// Server listens for inbound TCP connections and hands each accepted
// connection to OnConnection, per §4.3 of the specification.
type Server struct {
	// OnConnection is invoked once per accepted connection with the peer's
	// address; it must return a freshly initialized *Socket (via NewSocket)
	// which the Server then attaches, arms and opens on the server's Loop.
	// A Server attached without OnConnection set is a setup-phase error.
	OnConnection func(srv *Server, addr net.Addr) *Socket
	// OnError reports accept-loop failures: an error event on the listening
	// descriptor, EMFILE/ENFILE (after which accepting pauses briefly), any
	// other accept error, and a failure to adopt an accepted connection.
	// EINTR/ECONNABORTED are retried without a report. None of these stops
	// the server.
	OnError func(srv *Server, err error)
	// Data is an opaque slot for the caller's own per-server state.
	Data any

	loop    *Loop
	fd      int
	addr    *net.TCPAddr
	backlog int
	watcher netpoll.Watcher

	listening bool
	retry     *netpoll.Timer
}

// NewServer allocates an unattached Server. backlog <= 0 uses defaultBacklog.
func NewServer(backlog int) *Server {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Server{fd: -1, backlog: backlog}
}

// Listen resolves and binds addr, and — once Attach is called — begins
// accepting connections on it.
func (srv *Server) Listen(addr *net.TCPAddr) error {
	if srv.listening {
		return newLibraryError(ErrAlreadyOpen)
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
	if err = sockaddr.SetReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return newSystemError(err)
	}
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return newSystemError(os.NewSyscallError("bind", err))
	}
	if err = unix.Listen(fd, srv.backlog); err != nil {
		_ = unix.Close(fd)
		return newSystemError(os.NewSyscallError("listen", err))
	}
	srv.fd = fd
	srv.addr = addr
	if local, lerr := unix.Getsockname(fd); lerr == nil {
		if resolved := sockaddr.FromSockaddr(local); resolved != nil {
			srv.addr = resolved
		}
	}
	srv.listening = true
	return nil
}

// Addr returns the address the server is bound to — with an ephemeral port
// (":0") resolved to the one the kernel actually chose — or nil before a
// successful Listen.
func (srv *Server) Addr() net.Addr {
	if srv.addr == nil {
		return nil
	}
	return srv.addr
}

// Attach binds the server's accept loop to loop. OnConnection must already
// be set.
func (srv *Server) Attach(loop *Loop) error {
	if !srv.listening {
		return newLibraryError(ErrNotOpen)
	}
	if loop == nil {
		return newLibraryError(ErrNoLoop)
	}
	if srv.loop != nil {
		return newLibraryError(ErrAlreadyAttached)
	}
	if srv.OnConnection == nil {
		return newLibraryError(ErrNilConnectionHook)
	}
	srv.loop = loop
	srv.watcher = netpoll.Watcher{FD: srv.fd, Callback: srv.handleEvents}
	if err := srv.loop.np.AddWatcher(&srv.watcher, true, false); err != nil {
		srv.loop = nil
		return newSystemError(err)
	}
	return nil
}

// Detach unregisters the server's listening descriptor from its loop
// without closing it, so it can later be re-Attach-ed to a different loop.
func (srv *Server) Detach() error {
	if srv.loop == nil {
		return nil
	}
	if srv.retry != nil {
		srv.loop.disarmTimer(srv.retry)
	}
	err := srv.loop.np.RemoveWatcher(&srv.watcher)
	srv.loop = nil
	if err != nil {
		return newSystemError(err)
	}
	return nil
}

// Close stops accepting and releases the listening descriptor.
func (srv *Server) Close() error {
	if srv.fd < 0 {
		return nil
	}
	_ = srv.Detach()
	err := unix.Close(srv.fd)
	srv.fd = -1
	srv.listening = false
	if err != nil {
		return newSystemError(err)
	}
	return nil
}

func (srv *Server) handleEvents(readable, writable bool, ioErr error) {
	if ioErr != nil {
		srv.reportError(newSystemError(ioErr))
		return
	}
	if !readable {
		return
	}
	// Drain every pending connection this tick; the listening socket is
	// level-triggered, so anything left will simply refire.
	for {
		nfd, sa, err := unix.Accept4(srv.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				srv.reportError(newSystemError(os.NewSyscallError("accept4", err)))
				srv.pauseAccepting()
				return
			default:
				srv.reportError(newSystemError(os.NewSyscallError("accept4", err)))
				return
			}
		}
		srv.accepted(nfd, sa)
	}
}

func (srv *Server) accepted(fd int, sa unix.Sockaddr) {
	peer := sockaddr.FromSockaddr(sa)
	sock := srv.OnConnection(srv, peer)
	if sock == nil {
		_ = unix.Close(fd)
		return
	}
	local, _ := unix.Getsockname(fd)
	var localAddr *net.TCPAddr
	if local != nil {
		localAddr = sockaddr.FromSockaddr(local)
	}
	if err := sock.adoptAccepted(srv.loop, fd, localAddr, peer); err != nil {
		srv.reportError(err.(*Error))
		_ = unix.Close(fd)
	}
}

// pauseAccepting stops watching the listening descriptor for
// acceptRetryBackoff after a resource-exhaustion error (EMFILE/ENFILE), so
// a starved process doesn't spin its CPU re-attempting accept(2).
func (srv *Server) pauseAccepting() {
	_ = srv.loop.np.SetWatcher(&srv.watcher, false, false)
	if srv.retry == nil {
		srv.retry = &netpoll.Timer{}
	}
	srv.retry.Callback = func() {
		_ = srv.loop.np.SetWatcher(&srv.watcher, true, false)
	}
	srv.loop.armTimer(srv.retry, acceptRetryBackoff)
	logging.Warnf("nio: server accept loop backing off %s after resource exhaustion", acceptRetryBackoff)
}

func (srv *Server) reportError(err *Error) {
	if srv.OnError != nil {
		srv.OnError(srv, err)
	}
}
