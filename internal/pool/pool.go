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

// Package pool implements the specification's "thread pool" component: a
// fixed worker set that executes blocking file syscalls off the loop
// goroutine and posts completions back through a caller-supplied trigger.
//
// Workers never touch loop-owned state directly (§5 of the specification);
// the results a Task's Run closure captures are the only rendezvous point, published to the loop
// goroutine via the Loop.Trigger happens-before edge.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/nio-ev/nio/internal/logging"
)

// ErrClosed is returned by Submit once the pool has been closed.
var ErrClosed = errors.New("nio: thread pool is closed")

// DefaultSize mirrors gnet's own ants pool sizing convention, scaled down:
// file I/O tasks are comparatively rare and short relative to gnet's
// per-connection goroutines, so a smaller ceiling avoids over-provisioning
// OS threads for a workload that is typically syscall-bound, not CPU-bound.
const DefaultSize = 1 << 12

// ExpiryDuration is how long an idle worker survives before ants reclaims it.
const ExpiryDuration = 10 * time.Second

// Task is a unit of work submitted to the pool: an opcode-carrying closure
// (Run) that performs the blocking operation and stashes its result via
// closure capture, plus a Done callback the pool invokes on the *submitting*
// goroutine's behalf once Run returns — Done itself is expected to route
// through Loop.Trigger so it actually executes on the loop goroutine.
type Task struct {
	Run  func()
	Done func()
}

// Pool is a lazily-started, process-lifetime-scoped set of worker goroutines
// (per the specification's "global-ish thread pool" note, §9), but unlike a
// package-level global it is an explicit value a test can construct in
// isolation.
type Pool struct {
	ants    *ants.Pool
	closeMu sync.Mutex
	closed  bool

	// submit is fed by Submit and drained by a single dispatcher goroutine,
	// so a call to Submit from the loop goroutine never blocks even when the
	// underlying ants pool is momentarily saturated.
	submit     chan *Task
	dispatchWG sync.WaitGroup
}

// New constructs a Pool with the given worker ceiling. size <= 0 uses DefaultSize.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultSize
	}
	a, err := ants.NewPool(size, ants.WithOptions(ants.Options{
		ExpiryDuration: ExpiryDuration,
		Nonblocking:    false,
	}))
	if err != nil {
		return nil, err
	}
	p := &Pool{ants: a, submit: make(chan *Task, 1024)}
	p.dispatchWG.Add(1)
	go p.dispatchLoop()
	return p, nil
}

func (p *Pool) dispatchLoop() {
	defer p.dispatchWG.Done()
	for t := range p.submit {
		task := t
		err := p.ants.Submit(func() {
			task.Run()
			task.Done()
		})
		if err != nil {
			logging.Warnf("thread pool rejected a task: %v", err)
			task.Done()
		}
	}
}

// Submit enqueues a task for execution by a worker goroutine. Submit itself
// never blocks the caller on pool saturation: it only blocks on the small
// internal dispatch channel filling up, which happens only under pathological
// submission storms rather than ordinary pool contention.
func (p *Pool) Submit(t *Task) error {
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	p.submit <- t
	return nil
}

// Close stops accepting new tasks and releases the underlying worker set.
// Tasks already dequeued by a worker are not cancelled, matching the
// specification's cancellation model (§4.2): callers that need to discard
// results after Close must mark their owning object orphaned themselves.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.submit)
	p.dispatchWG.Wait()
	p.ants.Release()
}
