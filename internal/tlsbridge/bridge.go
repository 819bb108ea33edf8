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

// Package tlsbridge lets a Socket drive a crypto/tls.Conn without ever
// blocking the loop goroutine. Stdlib crypto/tls latches the first I/O
// error from its underlying net.Conn as permanent, so a classic
// try-then-EAGAIN non-blocking bridge (the shape gnet's own tls.go drives
// against its private non-blocking fork) cannot be built on top of it — any
// would-block sentinel returned from Read would permanently wedge the
// connection. Instead, Bridge drives Handshake/Read/Write/Close on
// thread-pool workers, exactly like the File component drives blocking
// syscalls: the tls.Conn only ever sees a synchronous, well-behaved
// net.Conn (pipe), and results cross back to the loop goroutine through the
// same pool.Task/Loop.Trigger mechanism File uses.
package tlsbridge

import (
	"crypto/tls"

	"github.com/nio-ev/nio/internal/pool"
)

// Bridge owns one crypto/tls.Conn and the pipe feeding it. It is not safe
// for concurrent use by more than one in-flight worker task at a time;
// callers (Socket) are responsible for never having two tls operations
// outstanding simultaneously, mirroring File's "one task per category"
// discipline.
type Bridge struct {
	conn *tls.Conn
	pipe *pipe
}

// NewServer wraps cfg in a server-role tls.Conn.
func NewServer(cfg *tls.Config) *Bridge {
	p := newPipe()
	return &Bridge{conn: tls.Server(p, cfg), pipe: p}
}

// NewClient wraps cfg in a client-role tls.Conn.
func NewClient(cfg *tls.Config) *Bridge {
	p := newPipe()
	return &Bridge{conn: tls.Client(p, cfg), pipe: p}
}

// SetOutboundNotify registers fn to be called (from whatever goroutine
// produced the bytes, typically a worker) whenever new outbound ciphertext
// becomes available. Socket wires this to a Loop.Trigger call so a flight
// of handshake bytes is flushed promptly instead of waiting for the next
// unrelated readiness event.
func (b *Bridge) SetOutboundNotify(fn func()) { b.pipe.onOutbound = fn }

// Feed appends ciphertext read off the real socket. Non-blocking; safe to
// call from the loop goroutine at any time, including while a worker task
// is in flight.
func (b *Bridge) Feed(data []byte) { b.pipe.Feed(data) }

// TakeOutbound drains ciphertext produced by the tls.Conn for delivery to
// the real socket. Non-blocking.
func (b *Bridge) TakeOutbound() []byte { return b.pipe.TakeOutbound() }

// CloseInbound unblocks any worker parked reading from the pipe, delivering
// EOF. Call this once the real socket has observed a half-close or is being
// torn down, so an in-flight Handshake/Read task can complete instead of
// blocking forever.
func (b *Bridge) CloseInbound() { b.pipe.CloseInbound() }

// ConnectionState exposes the negotiated TLS session state once the
// handshake has completed.
func (b *Bridge) ConnectionState() tls.ConnectionState { return b.conn.ConnectionState() }

// HandshakeAsync submits the (blocking) handshake to p, invoking done on the
// loop goroutine (via loopTrigger, expected to be Loop.Trigger) once it
// finishes. done receives the handshake error, nil on success.
func (b *Bridge) HandshakeAsync(p *pool.Pool, loopTrigger func(func()), done func(error)) error {
	var err error
	return p.Submit(&pool.Task{
		Run:  func() { err = b.conn.Handshake() },
		Done: func() { loopTrigger(func() { done(err) }) },
	})
}

// ReadAsync submits a single blocking Read(buf) to p. done receives the
// number of plaintext bytes read into buf and the error, if any (io.EOF on
// peer close_notify).
func (b *Bridge) ReadAsync(p *pool.Pool, buf []byte, loopTrigger func(func()), done func(n int, err error)) error {
	var n int
	var err error
	return p.Submit(&pool.Task{
		Run:  func() { n, err = b.conn.Read(buf) },
		Done: func() { loopTrigger(func() { done(n, err) }) },
	})
}

// WriteAsync submits a single blocking Write(data) to p. data must remain
// valid until done is invoked. done receives the byte count actually
// consumed by the TLS record layer and the error, if any.
func (b *Bridge) WriteAsync(p *pool.Pool, data []byte, loopTrigger func(func()), done func(n int, err error)) error {
	var n int
	var err error
	return p.Submit(&pool.Task{
		Run:  func() { n, err = b.conn.Write(data) },
		Done: func() { loopTrigger(func() { done(n, err) }) },
	})
}

// CloseAsync submits the close_notify handshake to p. Stdlib's Close only
// sends the alert and tears down the underlying conn; it does not wait for
// the peer's own close_notify, so this normally completes in one record
// write with no worker blocking, but it still runs on a worker to preserve
// the "loop never touches the tls.Conn directly" invariant.
func (b *Bridge) CloseAsync(p *pool.Pool, loopTrigger func(func()), done func(error)) error {
	var err error
	return p.Submit(&pool.Task{
		Run:  func() { err = b.conn.Close() },
		Done: func() { loopTrigger(func() { done(err) }) },
	})
}
