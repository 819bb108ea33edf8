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
	"sync"
	"sync/atomic"
	"time"

	"github.com/nio-ev/nio/internal/logging"
	"github.com/nio-ev/nio/internal/netpoll"
	"github.com/nio-ev/nio/internal/pool"
	"github.com/nio-ev/nio/metrics"
)

// Loop is the event-dispatch engine every Server, Socket and File attaches
// to. All state-machine transitions and user callbacks for objects attached
// to a given Loop run on the single goroutine that calls Run, per §5 of the
// specification ("single-threaded cooperative on the loop thread").
//
// A Loop owns the thread pool backing File's blocking operations; per §9's
// "global-ish thread pool" note, that pool is an explicit field here rather
// than a package-level global, so tests can construct an isolated Loop (and
// therefore an isolated pool) per run.
type Loop struct {
	np   *netpoll.Loop
	pool *pool.Pool

	// Metrics receives counter events from every Socket/Server/File
	// attached to this Loop. Defaults to a no-op recorder; assign before
	// attaching any object to start counting.
	Metrics metrics.Recorder

	stop    chan struct{}
	stopped int32

	poolOnce sync.Once
	poolSize int
	poolErr  error
}

// NewLoop constructs a Loop. poolSize bounds the file-I/O thread pool; 0
// picks pool.DefaultSize. The pool itself is not started until it is first
// needed — the first File operation or the first TLS handshake — so a Loop
// used only for plaintext sockets/servers never spins up workers.
func NewLoop(poolSize int) (*Loop, error) {
	np, err := netpoll.Open()
	if err != nil {
		return nil, err
	}
	return &Loop{np: np, stop: make(chan struct{}), poolSize: poolSize, Metrics: metrics.Noop()}, nil
}

// filePool lazily starts and returns the loop's thread pool.
func (l *Loop) filePool() (*pool.Pool, error) {
	l.poolOnce.Do(func() {
		l.pool, l.poolErr = pool.New(l.poolSize)
	})
	return l.pool, l.poolErr
}

// Run blocks the calling goroutine, dispatching readiness, timers and
// deferred callbacks for every object attached to l until Shutdown is
// called. Run returns nil on a clean shutdown.
func (l *Loop) Run() error {
	return l.np.Run(l.stop)
}

// Shutdown stops Run and releases the loop's thread pool. It does not close
// sockets, servers or files still attached; callers are expected to close
// those before or during shutdown and let their deferred on_close callbacks
// drain via a final Run iteration, mirroring the close-then-detach ordering
// used throughout §4.
func (l *Loop) Shutdown() {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		return
	}
	close(l.stop)
	l.np.Wake()
	if l.pool != nil {
		l.pool.Close()
	}
	if err := l.np.Close(); err != nil {
		logging.Warnf("error closing loop poller: %v", err)
	}
}

// Defer schedules fn to run on the loop goroutine on the loop's next
// wakeup. Used internally to satisfy the "on_close is always a deferred
// callback" invariant, and exposed so application code can post its own
// loop-affine work (e.g. from a signal handler).
func (l *Loop) Defer(fn func()) { l.np.Defer(fn) }

// trigger posts fn to run on the loop goroutine from another goroutine
// (a thread-pool worker). Used internally by File and the TLS bridge to
// deliver completions; Defer is the public equivalent for application code
// already on the loop-adjacent side.
func (l *Loop) trigger(fn func()) { l.np.Trigger(fn) }

func (l *Loop) armTimer(t *netpoll.Timer, d time.Duration) {
	l.np.ArmTimer(t, time.Now().Add(d))
}

func (l *Loop) disarmTimer(t *netpoll.Timer) { l.np.DisarmTimer(t) }
