// Copyright (c) 2019 Andy Pan
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

import "golang.org/x/sys/unix"

const (
	// initEventsCap is the initial capacity of a poller's event-list.
	initEventsCap = 128
	// maxTasksPerTick bounds how many queued tasks the loop drains in a single wakeup,
	// so a task that keeps re-enqueueing work can't starve socket readiness forever.
	maxTasksPerTick = 256

	errEvents = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
	outEvents = errEvents | unix.EPOLLOUT
	inEvents  = errEvents | unix.EPOLLIN | unix.EPOLLPRI
)

type eventList struct {
	size   int
	events []unix.EpollEvent
}

func newEventList(size int) *eventList {
	return &eventList{size: size, events: make([]unix.EpollEvent, size)}
}

func (el *eventList) expand() {
	el.size <<= 1
	el.events = make([]unix.EpollEvent, el.size)
}

func (el *eventList) shrink() {
	el.size >>= 1
	el.events = make([]unix.EpollEvent, el.size)
}
