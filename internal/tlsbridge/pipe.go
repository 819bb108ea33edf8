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

package tlsbridge

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// pipe is the net.Conn crypto/tls.Conn is driven against. Its Read blocks a
// worker goroutine (via a condvar) until the loop goroutine feeds more
// ciphertext with Feed or closes the pipe; its Write never blocks, since it
// only appends to an in-memory buffer the loop goroutine drains with
// TakeOutbound. This split is what lets a single dedicated worker goroutine
// per socket drive tls.Conn the way stdlib expects (synchronously) while the
// loop goroutine only ever does non-blocking appends/copies against mu.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	// inClosed unblocks a Read parked waiting for more ciphertext, once the
	// real socket has observed the peer's half-close/teardown. outClosed
	// stops Write from accepting more outbound ciphertext, once our own
	// side is torn down. These are deliberately separate: observing the
	// peer's TCP FIN (inClosed) must not also poison our ability to write
	// our own close_notify record through Write.
	inClosed  bool
	outClosed bool

	// onOutbound, if set, is invoked (outside mu) after Write appends bytes
	// to out. tls.Conn produces outbound bytes from an arbitrary worker
	// goroutine at times the loop goroutine cannot predict (e.g. the
	// ClientHello, written before the worker ever blocks on Read), so
	// relying on the loop to opportunistically poll TakeOutbound would risk
	// leaving a flight of handshake bytes unsent until some unrelated event
	// next woke the loop. onOutbound lets Write nudge the loop directly.
	onOutbound func()
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed appends ciphertext read off the real socket. Called from the loop
// goroutine; never blocks.
func (p *pipe) Feed(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	p.in.Write(b)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// TakeOutbound drains and returns any ciphertext queued for the real socket.
// Called from the loop goroutine; never blocks.
func (p *pipe) TakeOutbound() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return nil
	}
	b := make([]byte, p.out.Len())
	copy(b, p.out.Bytes())
	p.out.Reset()
	return b
}

// CloseInbound unblocks a worker goroutine parked in Read, delivering io.EOF
// once the buffered ciphertext (if any) is drained. Used when the real
// socket observes a half-close or is being torn down.
func (p *pipe) CloseInbound() {
	p.mu.Lock()
	p.inClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Read implements net.Conn. It blocks the calling (worker) goroutine until
// ciphertext is available or the pipe's inbound side is closed.
func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.in.Len() == 0 && !p.inClosed {
		p.cond.Wait()
	}
	if p.in.Len() == 0 {
		return 0, io.EOF
	}
	return p.in.Read(b)
}

// Write implements net.Conn. It never blocks: outbound ciphertext is simply
// buffered for the loop goroutine to pick up with TakeOutbound. It is
// refused only once Close (not CloseInbound) has run, so a peer's TCP
// half-close doesn't also block our own close_notify from going out.
func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.outClosed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, err := p.out.Write(b)
	notify := p.onOutbound
	p.mu.Unlock()
	if notify != nil {
		notify()
	}
	return n, err
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.inClosed = true
	p.outClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (*pipe) LocalAddr() net.Addr              { return pipeAddr{} }
func (*pipe) RemoteAddr() net.Addr             { return pipeAddr{} }
func (*pipe) SetDeadline(time.Time) error      { return nil }
func (*pipe) SetReadDeadline(time.Time) error  { return nil }
func (*pipe) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "tlsbridge" }
func (pipeAddr) String() string  { return "tlsbridge" }
