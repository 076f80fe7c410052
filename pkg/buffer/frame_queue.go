package buffer

import (
	"fmt"
	"io"
	"sync"
)

// OverflowPolicy selects what Push does when the queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued frame to make room. Push never
	// blocks. Evictions are counted and can be read with Dropped.
	DropOldest OverflowPolicy = iota

	// Block makes Push wait until a consumer drains at least one frame.
	Block
)

// FrameQueue is a thread-safe bounded FIFO of byte frames. A producer
// pushes frames as they arrive; a consumer drains batches of queued frames
// on its own cadence. The queue is a fixed-size ring with head and tail
// pointers, so steady-state operation does not allocate.
//
// Unlike an unbounded queue, a full FrameQueue applies an explicit
// overflow policy: either the oldest frame is dropped (keeping the stream
// realtime) or the producer blocks until space is available.
type FrameQueue struct {
	cond *sync.Cond

	mu         sync.Mutex
	frames     [][]byte
	head, tail int64
	dropped    uint64
	policy     OverflowPolicy
	closeWrite bool
	closeErr   error
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &FrameQueue{
		frames: make([][]byte, capacity),
		policy: policy,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one frame to the queue.
//
// When the queue is full the configured OverflowPolicy applies: DropOldest
// evicts the frame at the head and Push returns immediately; Block waits
// until space becomes available.
//
// Returns an error if the queue has been closed.
func (q *FrameQueue) Push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return fmt.Errorf("buffer: push to closed queue: %w", q.closeErr)
	}
	if q.closeWrite {
		return fmt.Errorf("buffer: push to closed queue: %w", io.ErrClosedPipe)
	}

	capacity := int64(len(q.frames))
	for q.tail-q.head == capacity {
		if q.policy == DropOldest {
			q.head++
			q.dropped++
			break
		}
		q.cond.Wait()
		if q.closeErr != nil {
			return fmt.Errorf("buffer: push to closed queue: %w", q.closeErr)
		}
		if q.closeWrite {
			return fmt.Errorf("buffer: push to closed queue: %w", io.ErrClosedPipe)
		}
	}

	q.frames[q.tail%capacity] = frame
	q.tail++
	q.cond.Signal()
	return nil
}

// DrainUpTo removes and returns at most max queued frames in FIFO order
// without blocking. An empty open queue returns (nil, nil); an empty
// queue whose write side is closed returns (nil, io.EOF).
func (q *FrameQueue) DrainUpTo(max int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return nil, fmt.Errorf("buffer: drain from closed queue: %w", q.closeErr)
	}

	avail := int(q.tail - q.head)
	if avail == 0 {
		if q.closeWrite {
			return nil, io.EOF
		}
		return nil, nil
	}
	if max > 0 && avail > max {
		avail = max
	}

	capacity := int64(len(q.frames))
	out := make([][]byte, 0, avail)
	for i := 0; i < avail; i++ {
		slot := q.head % capacity
		out = append(out, q.frames[slot])
		q.frames[slot] = nil
		q.head++
	}
	q.cond.Signal()
	return out, nil
}

// Len returns the number of frames currently queued.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// Dropped returns the number of frames evicted under the DropOldest policy.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// CloseWrite closes the producer side. Queued frames can still be drained;
// once empty, DrainUpTo returns io.EOF.
func (q *FrameQueue) CloseWrite() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeWrite {
		return nil
	}
	q.closeWrite = true
	q.cond.Broadcast()
	return nil
}

// CloseWithError closes both sides with the given error. Pending and
// subsequent operations fail with it. A nil err means io.ErrClosedPipe.
func (q *FrameQueue) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return nil
	}
	q.closeErr = err
	q.closeWrite = true
	q.cond.Broadcast()
	return nil
}

// Close closes the queue. Equivalent to CloseWithError(io.ErrClosedPipe).
func (q *FrameQueue) Close() error {
	return q.CloseWithError(io.ErrClosedPipe)
}
