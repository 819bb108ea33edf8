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

package netpoll

import (
	"sync/atomic"
	"unsafe"
)

// callbackQueue is a lock-free multi-producer/single-consumer queue of
// loop-affine callbacks, per the algorithm in Michael, M. M. and Scott,
// M. L., "Simple, Fast, and Practical Non-Blocking and Blocking Concurrent
// Queue Algorithms" (1996). Any number of worker goroutines (thread-pool
// completions posted via Loop.Trigger) and the goroutine that called
// Loop.Defer push concurrently; only Loop.Run's own goroutine ever pops.
//
// Unlike a generic task queue, a node here carries exactly the one shape
// this codebase ever needs — a zero-argument, no-return callback — instead
// of a reusable Task/Arg/error triple no caller here uses.
type callbackQueue struct {
	head, tail unsafe.Pointer
	length     int32
}

type callbackNode struct {
	fn   func()
	next unsafe.Pointer
}

func newCallbackQueue() *callbackQueue {
	n := unsafe.Pointer(&callbackNode{})
	return &callbackQueue{head: n, tail: n}
}

// push appends fn to the tail of the queue. Safe for concurrent callers.
func (q *callbackQueue) push(fn func()) {
	n := &callbackNode{fn: fn}
retry:
	tail := loadCallbackNode(&q.tail)
	next := loadCallbackNode(&tail.next)
	if tail == loadCallbackNode(&q.tail) {
		if next == nil {
			if casCallbackNode(&tail.next, next, n) {
				casCallbackNode(&q.tail, tail, n)
				atomic.AddInt32(&q.length, 1)
				return
			}
		} else {
			casCallbackNode(&q.tail, tail, next)
		}
	}
	goto retry
}

// pop removes and returns the callback at the head of the queue, or nil if
// the queue is empty. Only ever called from the loop goroutine.
func (q *callbackQueue) pop() func() {
retry:
	head := loadCallbackNode(&q.head)
	tail := loadCallbackNode(&q.tail)
	next := loadCallbackNode(&head.next)
	if head == loadCallbackNode(&q.head) {
		if head == tail {
			if next == nil {
				return nil
			}
			casCallbackNode(&q.tail, tail, next)
		} else {
			fn := next.fn
			if casCallbackNode(&q.head, head, next) {
				atomic.AddInt32(&q.length, -1)
				return fn
			}
		}
	}
	goto retry
}

// empty reports whether the queue currently holds no callbacks.
func (q *callbackQueue) empty() bool {
	return atomic.LoadInt32(&q.length) == 0
}

func loadCallbackNode(p *unsafe.Pointer) *callbackNode {
	return (*callbackNode)(atomic.LoadPointer(p))
}

func casCallbackNode(p *unsafe.Pointer, old, new *callbackNode) bool {
	return atomic.CompareAndSwapPointer(p, unsafe.Pointer(old), unsafe.Pointer(new))
}
