// Package queue provides the bounded in-memory hand-off between the
// NWWS-OI receiver and the pipeline manager. The receiver's stanza
// handler must never block on slow outputs, so it submits events here
// with a deadline and moves on.
//
// # Backpressure
//
// The queue holds at most its configured capacity. When it is full,
// Submit blocks until space frees up, the submit timeout elapses, or the
// caller's context is cancelled. A timed-out submit returns ErrFull and
// is counted, so the bridge can surface sustained backpressure as a
// metric instead of silently stalling the XMPP session.
//
// # Shutdown
//
// Close wakes every blocked submitter with ErrClosed, waits for them to
// drain, then closes the Events channel. Consumers range over Events and
// see the remaining buffered events before the channel ends.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wxwire/bridge/internal/event"
)

const (
	// DefaultCapacity bounds the queue when no capacity is configured.
	DefaultCapacity = 1024

	// DefaultSubmitTimeout bounds how long Submit waits on a full queue.
	DefaultSubmitTimeout = 5 * time.Second
)

var (
	// ErrFull is returned when a submit times out on a full queue.
	ErrFull = errors.New("queue: full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded FIFO of events. It is safe for concurrent use.
type Queue struct {
	ch            chan *event.Event
	done          chan struct{}
	submitTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	timeouts atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithSubmitTimeout overrides DefaultSubmitTimeout. A non-positive
// value makes Submit wait indefinitely (until space, context
// cancellation, or Close).
func WithSubmitTimeout(d time.Duration) Option {
	return func(q *Queue) { q.submitTimeout = d }
}

// New returns a queue holding at most capacity events. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		ch:            make(chan *event.Event, capacity),
		done:          make(chan struct{}),
		submitTimeout: DefaultSubmitTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues ev. When the queue is full it blocks up to the submit
// timeout and returns ErrFull on expiry; ctx cancellation returns
// ctx.Err(), and a closed queue returns ErrClosed.
func (q *Queue) Submit(ctx context.Context, ev *event.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	// Fast path: space available.
	select {
	case q.ch <- ev:
		return nil
	default:
	}

	var expire <-chan time.Time
	if q.submitTimeout > 0 {
		timer := time.NewTimer(q.submitTimeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case q.ch <- ev:
		return nil
	case <-expire:
		q.timeouts.Add(1)
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// Events is the consumer side of the queue. It is closed after Close
// once every in-flight submit has finished; buffered events remain
// readable until then.
func (q *Queue) Events() <-chan *event.Event {
	return q.ch
}

// Depth returns the number of buffered events.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Timeouts returns how many submits have expired with ErrFull since the
// queue was created.
func (q *Queue) Timeouts() int64 {
	return q.timeouts.Load()
}

// Close stops the queue: blocked submitters return ErrClosed, and the
// Events channel is closed once they have drained. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.inflight.Wait()
	close(q.ch)
}
