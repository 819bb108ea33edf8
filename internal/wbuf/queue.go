// Copyright (c) 2021 Andy Pan
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

// Package wbuf implements the write queue described in §3 of the
// specification: a FIFO of caller-owned buffers with a cursor tracking how
// many bytes of the head buffer have already been written. It is the
// generalization of gnet's pkg/listbuffer linked list from pooled
// *bytebuffer.ByteBuffer nodes to caller-owned entries with release hooks,
// since this library's write buffers are never library-pooled (§5).
package wbuf

// Entry is one caller-owned write buffer sitting in the queue.
type Entry struct {
	Data    []byte
	Release func(err error)

	next *Entry
}

// Queue is a FIFO of Entry with a byte cursor into the head entry.
type Queue struct {
	head, tail *Entry
	cursor     int
	size       int
	bytes      int64
}

// PushBack enqueues e at the tail.
func (q *Queue) PushBack(e *Entry) {
	e.next = nil
	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}
	q.tail = e
	q.size++
	q.bytes += int64(len(e.Data))
}

// Front returns the head entry, or nil if the queue is empty.
func (q *Queue) Front() *Entry {
	return q.head
}

// Cursor returns how many bytes of the head entry have already been written.
func (q *Queue) Cursor() int { return q.cursor }

// Pending returns the unwritten remainder of the head entry.
func (q *Queue) Pending() []byte {
	if q.head == nil {
		return nil
	}
	return q.head.Data[q.cursor:]
}

// Advance records that n more bytes of the head entry were written. If that
// completes the head entry, it is popped and its Release hook invoked with a
// nil error (successful delivery), and Advance reports true so the caller
// can decide whether to keep draining or arm the write watcher.
func (q *Queue) Advance(n int) (completed bool) {
	if q.head == nil || n <= 0 {
		return false
	}
	q.cursor += n
	q.bytes -= int64(n)
	if q.cursor < len(q.head.Data) {
		return false
	}
	e := q.head
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	q.cursor = 0
	q.size--
	e.next = nil
	if e.Release != nil {
		e.Release(nil)
	}
	return true
}

// DiscardAll pops every remaining entry, invoking each Release hook with err
// (non-nil) exactly once. Used on close/failure so invariant 2 of §3 ("every
// buffer enqueued is eventually released exactly once") holds regardless of
// outcome.
func (q *Queue) DiscardAll(err error) {
	for e := q.head; e != nil; {
		next := e.next
		e.next = nil
		if e.Release != nil {
			e.Release(err)
		}
		e = next
	}
	q.head, q.tail = nil, nil
	q.cursor = 0
	q.size = 0
	q.bytes = 0
}

// Len returns the number of entries queued (including a partially-written head).
func (q *Queue) Len() int { return q.size }

// Bytes returns the number of unwritten bytes remaining across the queue.
func (q *Queue) Bytes() int64 { return q.bytes }

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() bool { return q.head == nil }
