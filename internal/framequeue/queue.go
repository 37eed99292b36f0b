package framequeue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-pose-capture/internal/types"
)

var (
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("framequeue: closed")
	// ErrEndOfStream is returned by Pop once the queue is closed and drained.
	ErrEndOfStream = errors.New("framequeue: end of stream")
	// ErrInvalidCapacity is returned by New for capacity < 1.
	ErrInvalidCapacity = errors.New("framequeue: capacity must be >= 1")
)

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued frame to admit the new one (live sources).
	DropOldest Policy = iota
	// Block makes the producer wait for free space (file sources, nodrop).
	Block
)

// String returns a human-readable policy name.
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Queue is a bounded FIFO of frames shared by one capture goroutine and the
// main loop.
//
// Architecture:
//   - Ring buffer of fixed capacity
//   - Monitor: one mutex, notEmpty / notFull conditions (no polling)
//   - Counters updated under the same lock as the buffer
//
// Thread-safety:
//   - All methods safe for concurrent use
//   - Typically 1 producer (capture worker) and 1 consumer (controller)
//
// Invariants:
//   - 0 <= count <= len(buf)
//   - enqueued == dequeued + dropped + count (every observation point)
//   - Pop order follows Push order; drops only remove the head
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	// --- Buffer ---

	buf   []types.Frame
	head  int // index of oldest frame
	count int

	policy Policy
	closed bool

	// --- Counters ---

	enqueued uint64
	dropped  uint64
	dequeued uint64
}

// New creates a queue with the given capacity and full-queue policy.
func New(capacity int, policy Policy) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %w: got %d", types.ErrInvalidConfig, ErrInvalidCapacity, capacity)
	}
	if policy != DropOldest && policy != Block {
		return nil, fmt.Errorf("framequeue: unknown policy %d", policy)
	}

	q := &Queue{
		buf:    make([]types.Frame, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends a frame at the tail.
//
// Semantics:
//   - DropOldest: never blocks; when full the head frame is evicted (dropped++)
//   - Block: waits on notFull until a Pop frees a slot
//   - Returns ErrClosed if the queue is closed before or while waiting
//
// Ownership of frame.Data transfers to the queue.
func (q *Queue) Push(frame types.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if q.count == len(q.buf) {
		switch q.policy {
		case DropOldest:
			q.buf[q.head] = types.Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			q.dropped++
		case Block:
			for q.count == len(q.buf) && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return ErrClosed
			}
		}
	}

	tail := (q.head + q.count) % len(q.buf)
	q.buf[tail] = frame
	q.count++
	q.enqueued++

	q.notEmpty.Signal()
	return nil
}

// Pop removes and returns the head frame.
//
// Blocks until a frame is available. Once the queue is closed, remaining
// frames are still delivered; after that Pop returns ErrEndOfStream
// immediately.
func (q *Queue) Pop() (types.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	if q.count == 0 {
		return types.Frame{}, ErrEndOfStream
	}

	frame := q.buf[q.head]
	q.buf[q.head] = types.Frame{} // release reference, consumer owns it now
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.dequeued++

	q.notFull.Signal()
	return frame, nil
}

// Close marks the queue closed and wakes every blocked producer and consumer.
//
// Idempotent: subsequent calls are no-ops.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Policy returns the full-queue policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Seqs returns the sequence numbers currently queued, head first.
// Intended for diagnostics and tests.
func (q *Queue) Seqs() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	seqs := make([]uint64, 0, q.count)
	for i := 0; i < q.count; i++ {
		seqs = append(seqs, q.buf[(q.head+i)%len(q.buf)].Seq)
	}
	return seqs
}
