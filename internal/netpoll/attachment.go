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

// EventHandler is invoked by the poller when readiness or an error is observed
// on the attached descriptor. readable/writable report which directions fired;
// err is non-nil on EPOLLERR/EPOLLHUP/EPOLLRDHUP.
type EventHandler func(readable, writable bool, err error)

// Watcher pairs a descriptor with the callback the poller invokes on readiness.
// All watcher state is owned by the component that registered it, per the
// loop-binding contract: the poller never allocates or frees a Watcher.
type Watcher struct {
	FD       int
	Callback EventHandler

	// readable/writable track the last-armed direction bits so
	// Loop.SetWatcher calls can be idempotent from the caller's side.
	readable bool
	writable bool
}
