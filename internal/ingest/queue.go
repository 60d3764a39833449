package ingest

import (
	"context"
	"errors"
	"sync"

	"adas-telemetry-go/internal/types"
)

const DefaultQueueCapacity = 256

var ErrQueueClosed = errors.New("queue closed")

// Queue is a FIFO of decoded frames between the accept goroutine and
// consumers. When full, Put drops the oldest record so a slow consumer sees
// recent frames rather than stalling the device.
//
// All methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []types.FrameRecord
	capacity int
	dropped  uint64
	closed   bool
	notify   chan struct{}
	done     chan struct{}
}

// NewQueue returns a queue holding at most capacity records. A capacity of
// zero or less means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Put appends rec. It reports false if an older record was evicted to make
// room. Put on a closed queue discards rec and reports false.
func (q *Queue) Put(rec types.FrameRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	kept := true
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items[0] = types.FrameRecord{}
		q.items = q.items[1:]
		q.dropped++
		kept = false
	}
	q.items = append(q.items, rec)
	q.signal()
	return kept
}

// Get blocks until a record is available, the queue is closed and drained
// (ErrQueueClosed), or ctx ends.
func (q *Queue) Get(ctx context.Context) (types.FrameRecord, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items[0] = types.FrameRecord{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return rec, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return types.FrameRecord{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return types.FrameRecord{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of records evicted by Put.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes all blocked Get calls. Records already queued stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// signal must be called with mu held.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
