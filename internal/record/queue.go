package record

import (
	"time"

	"github.com/groblegark/tapedeck/internal/bus"
)

// DefaultQueueCapacity is far above the monitor's hard threshold, so
// producers practically never block: the monitor aborts the session long
// before the channel fills.
const DefaultQueueCapacity = 4096

// Queue is the bounded FIFO between subscription callbacks (many
// producers) and the recorder loop (one consumer). It is the only mutable
// structure shared across goroutines on the recording side.
type Queue struct {
	ch chan bus.Sample
}

// NewQueue returns a queue with the given capacity, or
// DefaultQueueCapacity when capacity is not positive.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan bus.Sample, capacity)}
}

// Put enqueues s. It blocks only when the queue is at capacity, which the
// backpressure monitor treats as fatal well before it can happen.
func (q *Queue) Put(s bus.Sample) {
	q.ch <- s
}

// Pop waits up to timeout for the next sample. The short timeout is what
// lets the consumer notice a shutdown signal promptly.
func (q *Queue) Pop(timeout time.Duration) (bus.Sample, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-q.ch:
		return s, true
	case <-timer.C:
		return bus.Sample{}, false
	}
}

// PopNow returns the next sample without waiting.
func (q *Queue) PopNow() (bus.Sample, bool) {
	select {
	case s := <-q.ch:
		return s, true
	default:
		return bus.Sample{}, false
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }
