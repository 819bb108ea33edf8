// Package metrics provides an optional, injectable counters hook for a
// Loop and the objects attached to it. It reports raw counts only —
// scheduling fairness, histograms and export formats are explicitly out
// of scope, per the specification's Non-goals — so callers wire the
// counters into whatever observability stack they already run.
package metrics

import "sync/atomic"

// Recorder receives counter events from a Loop's attached objects. Every
// method must be safe to call from the loop goroutine without blocking;
// implementations that need to fan out to a slower sink (a metrics
// exporter, a log line) should do so asynchronously themselves.
type Recorder interface {
	// BytesRead records n bytes delivered to an OnRead callback.
	BytesRead(n int)
	// BytesWritten records n bytes successfully flushed to a descriptor.
	BytesWritten(n int)
	// SocketOpened records a Socket reaching the OPEN state.
	SocketOpened()
	// SocketClosed records a Socket reaching CLOSED.
	SocketClosed()
	// TimeoutFired records an inactivity timeout delivered to OnTimeout.
	TimeoutFired()
}

// Counters is the default Recorder: a set of lock-free atomic counters.
// Its zero value is ready to use.
type Counters struct {
	bytesRead    int64
	bytesWritten int64
	socketsOpen  int64
	socketsTotal int64
	timeouts     int64
}

var _ Recorder = (*Counters)(nil)

func (c *Counters) BytesRead(n int)    { atomic.AddInt64(&c.bytesRead, int64(n)) }
func (c *Counters) BytesWritten(n int) { atomic.AddInt64(&c.bytesWritten, int64(n)) }
func (c *Counters) TimeoutFired()      { atomic.AddInt64(&c.timeouts, 1) }

func (c *Counters) SocketOpened() {
	atomic.AddInt64(&c.socketsOpen, 1)
	atomic.AddInt64(&c.socketsTotal, 1)
}

func (c *Counters) SocketClosed() { atomic.AddInt64(&c.socketsOpen, -1) }

// Snapshot is a point-in-time copy of a Counters' values.
type Snapshot struct {
	BytesRead    int64
	BytesWritten int64
	SocketsOpen  int64
	SocketsTotal int64
	Timeouts     int64
}

// Snapshot reads every counter. It is safe to call concurrently with the
// loop goroutine updating them; individual fields may be from slightly
// different instants relative to one another.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesRead:    atomic.LoadInt64(&c.bytesRead),
		BytesWritten: atomic.LoadInt64(&c.bytesWritten),
		SocketsOpen:  atomic.LoadInt64(&c.socketsOpen),
		SocketsTotal: atomic.LoadInt64(&c.socketsTotal),
		Timeouts:     atomic.LoadInt64(&c.timeouts),
	}
}

// noop discards every event. It backs Loop.Metrics until a caller
// installs a real Recorder, so call sites never need a nil check.
type noop struct{}

func (noop) BytesRead(int)    {}
func (noop) BytesWritten(int) {}
func (noop) SocketOpened()    {}
func (noop) SocketClosed()    {}
func (noop) TimeoutFired()    {}

// Noop returns a Recorder that discards every event.
func Noop() Recorder { return noop{} }
