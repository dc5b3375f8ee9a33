// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. The notification dispatcher uses it so a stalled listener can
// never block the producing side; the oldest undelivered notification is
// dropped instead.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel and guarantees producers never block:
// when the buffer is full the oldest element is discarded.
//
// Writers use Send or TrySend. Readers use C() for a plain <-chan T, or
// Receive()/TryReceive() when drop/delivery counters matter.
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity. Capacity must be
// positive.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over it
// until Close. Reads via C() bypass the Delivered counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest buffered element when full. It never
// blocks indefinitely. Reports whether an element was dropped to make room.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		select {
		case <-rc.ch:
			rc.metrics.addDropped(1)
			dropped = true
		default:
		}
		rc.ch <- v
		rc.metrics.addWritten(1)
	}

	return dropped
}

// TrySend attempts a non-blocking insert. Returns false if the buffer is
// full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addDelivered(1)
	}
	return
}

// TryReceive attempts a non-blocking receive. Returns (zero, false) if no
// value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addDelivered(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Sends after Close panic.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns an atomic snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:   atomic.LoadInt64(&rc.metrics.Written),
		Delivered: atomic.LoadInt64(&rc.metrics.Delivered),
		Dropped:   atomic.LoadInt64(&rc.metrics.Dropped),
	}
}

// Metrics tracks ring channel traffic with lock-free counters.
type Metrics struct {
	Written   int64
	Delivered int64
	Dropped   int64
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addDelivered(n int) {
	atomic.AddInt64(&m.Delivered, int64(n))
}

func (m *Metrics) addDropped(n int) {
	atomic.AddInt64(&m.Dropped, int64(n))
}
