// Copyright (c) 2021 Andy Pan
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

//go:build linux

package netpoll

import (
	"container/heap"
	"time"
)

// Timer is an absolute-delay timer registration. Deadline is re-read on every
// heap comparison, so re-arming an armed timer simply bumps Deadline and
// fixes its heap position in place.
type Timer struct {
	Deadline time.Time
	Callback func()

	index int // heap index, maintained by container/heap
	armed bool
}

// timerHeap is a min-heap of *Timer ordered by Deadline, giving the loop an
// O(log n) "when is the next timer due" query for computing the epoll_wait
// timeout.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].Deadline.Before(h[j].Deadline) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue wraps timerHeap with the arm/disarm/reset operations a Loop needs.
type timerQueue struct {
	h timerHeap
}

func (q *timerQueue) Arm(t *Timer) {
	if t.armed {
		heap.Fix(&q.h, t.index)
		return
	}
	t.armed = true
	heap.Push(&q.h, t)
}

func (q *timerQueue) Disarm(t *Timer) {
	if !t.armed {
		return
	}
	heap.Remove(&q.h, t.index)
	t.armed = false
}

// Next returns the nearest deadline and whether any timer is armed.
func (q *timerQueue) Next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].Deadline, true
}

// FirePending invokes and disarms every timer whose deadline is <= now.
func (q *timerQueue) FirePending(now time.Time) {
	for len(q.h) > 0 && !q.h[0].Deadline.After(now) {
		t := heap.Pop(&q.h).(*Timer)
		t.armed = false
		t.Callback()
	}
}
