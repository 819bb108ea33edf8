// Copyright (c) 2019 Andy Pan
// Copyright (c) 2017 Joshua J Baker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package netpoll implements the "loop binding" of the specification: a thin
// epoll wrapper exposing I/O watchers, absolute-delay timers, deferred
// loop-affine callbacks and a cross-thread wakeup, on top of which sockets,
// servers and files build their state machines.
package netpoll

import (
	"errors"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nio-ev/nio/internal/logging"
)

// ErrEventError is passed to a Watcher's callback when epoll reports
// EPOLLERR/EPOLLHUP/EPOLLRDHUP on its descriptor. epoll does not surface the
// underlying errno, so callers that need the precise cause should read
// SO_ERROR themselves; this sentinel only signals that they should.
var ErrEventError = errors.New("netpoll: error event on descriptor")

// Loop owns one epoll instance and runs on exactly one goroutine (Run's
// caller). Every watcher, timer and deferred callback registered on a Loop
// fires on that goroutine, matching the "single-threaded cooperative on the
// loop thread" scheduling model.
type Loop struct {
	fd     int // epoll fd
	wfd    int // eventfd used to wake Run out of epoll_wait
	wfdBuf []byte

	wakeSig int32

	// deferred carries loop-affine, high-priority callbacks (on_close, and
	// anything scheduled via Defer) that must run before the lower-priority
	// async queue on the same wakeup.
	deferred *callbackQueue
	// async carries cross-thread completions (thread-pool results).
	async *callbackQueue

	timers timerQueue

	watchers map[int]*Watcher

	closed int32
}

// Open creates a new Loop with its own epoll instance and wakeup eventfd.
func Open() (*Loop, error) {
	l := new(Loop)
	var err error
	if l.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if l.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(l.fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	l.wfdBuf = make([]byte, 8)
	l.deferred = newCallbackQueue()
	l.async = newCallbackQueue()
	l.watchers = make(map[int]*Watcher, 128)
	if err = unix.EpollCtl(l.fd, unix.EPOLL_CTL_ADD, l.wfd, &unix.EpollEvent{Fd: int32(l.wfd), Events: inEvents}); err != nil {
		_ = l.Close()
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	return l, nil
}

// Close releases the epoll and eventfd descriptors. Close does not touch
// descriptors still registered by watchers; callers must Delete them first.
func (l *Loop) Close() error {
	atomic.StoreInt32(&l.closed, 1)
	err1 := os.NewSyscallError("close", unix.Close(l.fd))
	err2 := os.NewSyscallError("close", unix.Close(l.wfd))
	if err1 != nil {
		return err1
	}
	return err2
}

var wakeVal = func() []byte {
	var u uint64 = 1
	return (*(*[8]byte)(unsafe.Pointer(&u)))[:]
}()

func (l *Loop) wake() {
	if atomic.CompareAndSwapInt32(&l.wakeSig, 0, 1) {
		for {
			_, err := unix.Write(l.wfd, wakeVal)
			if err != unix.EINTR && err != unix.EAGAIN {
				break
			}
		}
	}
}

// Defer schedules fn to run on the loop goroutine on the next wakeup, ahead
// of any queued async completions. Used for on_close and other callbacks
// that must not run synchronously inside the call that triggers them.
func (l *Loop) Defer(fn func()) {
	l.deferred.push(fn)
	l.wake()
}

// Trigger schedules fn to run on the loop goroutine; used by the thread pool
// to post task completions back across the worker/loop boundary.
func (l *Loop) Trigger(fn func()) {
	l.async.push(fn)
	l.wake()
}

// AddWatcher registers a descriptor with the poller. readable/writable pick
// the initial armed directions; both false registers the descriptor with no
// direction armed, in which case only EPOLLERR/EPOLLHUP are reported.
func (l *Loop) AddWatcher(w *Watcher, readable, writable bool) error {
	w.readable, w.writable = readable, writable
	l.watchers[w.FD] = w
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(l.fd, unix.EPOLL_CTL_ADD, w.FD, &unix.EpollEvent{Fd: int32(w.FD), Events: epollBits(readable, writable)}))
}

// SetWatcher rearms an already-registered watcher's direction bits.
func (l *Loop) SetWatcher(w *Watcher, readable, writable bool) error {
	if w.readable == readable && w.writable == writable {
		return nil
	}
	w.readable, w.writable = readable, writable
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(l.fd, unix.EPOLL_CTL_MOD, w.FD, &unix.EpollEvent{Fd: int32(w.FD), Events: epollBits(readable, writable)}))
}

// RemoveWatcher unregisters a descriptor from the poller. It does not close
// the descriptor.
func (l *Loop) RemoveWatcher(w *Watcher) error {
	delete(l.watchers, w.FD)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(l.fd, unix.EPOLL_CTL_DEL, w.FD, nil))
}

func epollBits(readable, writable bool) uint32 {
	var ev uint32
	if readable {
		ev |= inEvents
	}
	if writable {
		ev |= outEvents
	}
	return ev
}

// ArmTimer arms or re-arms t to fire at deadline.
func (l *Loop) ArmTimer(t *Timer, deadline time.Time) {
	t.Deadline = deadline
	l.timers.Arm(t)
}

// DisarmTimer removes t from the timer queue if armed.
func (l *Loop) DisarmTimer(t *Timer) { l.timers.Disarm(t) }

// Wake forces a blocked Run to return from epoll_wait and re-check its stop
// channel, even when no watcher or timer is due.
func (l *Loop) Wake() { l.wake() }

// Run blocks the calling goroutine, dispatching readiness, timers and
// deferred/async callbacks until stop is closed (Run then returns nil) or
// epoll_wait fails (Run then returns that error).
func (l *Loop) Run(stop <-chan struct{}) error {
	el := newEventList(initEventsCap)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.fd, el.events, timeout)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			l.timers.FirePending(time.Now())
			continue
		} else if err != nil {
			logging.Errorf("epoll_wait error: %v", os.NewSyscallError("epoll_wait", err))
			return err
		}

		woken := false
		for i := 0; i < n; i++ {
			ev := &el.events[i]
			fd := int(ev.Fd)
			if fd == l.wfd {
				woken = true
				_, _ = unix.Read(l.wfd, l.wfdBuf)
				continue
			}
			w, ok := l.watchers[fd]
			if !ok {
				continue
			}
			readable := ev.Events&inEvents != 0
			writable := ev.Events&outEvents != 0
			var wErr error
			if ev.Events&errEvents != 0 {
				wErr = ErrEventError
			}
			w.Callback(readable, writable, wErr)
		}

		if woken {
			atomic.StoreInt32(&l.wakeSig, 0)
			l.drain(l.deferred)
			l.drain(l.async)
		}

		l.timers.FirePending(time.Now())

		if n == el.size {
			el.expand()
		} else if n < el.size>>1 && el.size > initEventsCap {
			el.shrink()
		}
	}
}

func (l *Loop) drain(q *callbackQueue) {
	for i := 0; i < maxTasksPerTick; i++ {
		fn := q.pop()
		if fn == nil {
			return
		}
		fn()
	}
}

func (l *Loop) nextTimeout() int {
	deadline, ok := l.timers.Next()
	if !ok {
		return -1
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}
