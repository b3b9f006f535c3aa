package audio

import "sync/atomic"

// ChunkQueue is a lock-free single-producer/single-consumer queue of sample
// chunks. It sits between a real-time capture callback (the producer) and a
// pump goroutine (the consumer) so that the callback never blocks, locks or
// allocates.
//
// Every slot is preallocated with slotCap samples; pushes longer than that are
// split over several slots. When the queue is full the remainder of the push is
// dropped and counted.
type ChunkQueue struct {
	slots [][]float32
	mask  uint64

	head    atomic.Uint64 // next slot to read; written by the consumer only
	tail    atomic.Uint64 // next slot to write; written by the producer only
	dropped atomic.Uint64

	ready chan struct{}
}

// NewChunkQueue creates a queue with at least n slots (rounded up to a power
// of two) of slotCap samples each.
func NewChunkQueue(n, slotCap int) *ChunkQueue {
	size := 1
	for size < n {
		size <<= 1
	}
	slots := make([][]float32, size)
	for i := range slots {
		slots[i] = make([]float32, 0, slotCap)
	}
	return &ChunkQueue{
		slots: slots,
		mask:  uint64(size - 1),
		ready: make(chan struct{}, 1),
	}
}

// Push copies samples into the queue. It returns false if some samples had to
// be dropped because the consumer fell behind. Producer side only.
func (q *ChunkQueue) Push(samples []float32) bool {
	ok := true
	for len(samples) > 0 {
		tail := q.tail.Load()
		if tail-q.head.Load() > q.mask {
			q.dropped.Add(uint64(len(samples)))
			ok = false
			break
		}
		slot := q.slots[tail&q.mask]
		n := min(len(samples), cap(slot))
		slot = append(slot[:0], samples[:n]...)
		q.slots[tail&q.mask] = slot
		q.tail.Store(tail + 1)
		samples = samples[n:]
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return ok
}

// Pop hands the oldest chunk to fn and releases its slot. The slice passed to
// fn is only valid during the call. It returns false when the queue is empty.
// Consumer side only.
func (q *ChunkQueue) Pop(fn func([]float32)) bool {
	head := q.head.Load()
	if head == q.tail.Load() {
		return false
	}
	fn(q.slots[head&q.mask])
	q.head.Store(head + 1)
	return true
}

// Drain pops every queued chunk into fn and returns the number popped.
func (q *ChunkQueue) Drain(fn func([]float32)) int {
	n := 0
	for q.Pop(fn) {
		n++
	}
	return n
}

// Ready is signalled (coalesced) after every Push.
func (q *ChunkQueue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued chunks.
func (q *ChunkQueue) Len() int { return int(q.tail.Load() - q.head.Load()) }

// Dropped returns the total number of samples dropped on overflow.
func (q *ChunkQueue) Dropped() uint64 { return q.dropped.Load() }
