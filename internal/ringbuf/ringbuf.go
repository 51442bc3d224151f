/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ringbuf provides a fixed-size FIFO buffer that evicts the oldest item on overflow.
// It is not safe for concurrent use.
package ringbuf

// Buffer is a bounded FIFO ring buffer.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// New creates a new Buffer holding at most capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item if the buffer is full.
func (b *Buffer[T]) Push(v T) {
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
}

// Len returns the number of items in the buffer.
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap returns the maximum number of items.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Last returns the most recently pushed item.
func (b *Buffer[T]) Last() (v T, ok bool) {
	if b.size == 0 {
		return v, false
	}
	return b.items[(b.head+b.size-1)%len(b.items)], true
}

// Items returns a copy of the buffer contents, oldest first.
func (b *Buffer[T]) Items() []T {
	res := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		res[i] = b.items[(b.head+i)%len(b.items)]
	}
	return res
}
