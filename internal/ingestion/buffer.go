package ingestion

import "sync"

// RingBuffer is a bounded, thread-safe FIFO. When full, the oldest item is
// evicted to make room for the newest.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
}

// DefaultBufferSize is used when a non-positive capacity is requested.
const DefaultBufferSize = 64

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Enqueue adds item, evicting the oldest item when full. The evicted item is
// returned so the caller can reject it.
func (b *RingBuffer[T]) Enqueue(item T) (evicted T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		evicted, ok = b.pop(), true
	}
	b.push(item)
	return evicted, ok
}

// DequeueBatch removes up to n items in arrival order. n <= 0 drains the buffer.
func (b *RingBuffer[T]) DequeueBatch(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]T, n)
	for i := range out {
		out[i] = b.pop()
	}
	return out
}

func (b *RingBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *RingBuffer[T]) push(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.count++
}

func (b *RingBuffer[T]) pop() T {
	var zero T
	item := b.items[b.tail]
	b.items[b.tail] = zero
	b.tail = (b.tail + 1) % b.capacity
	b.count--
	return item
}
