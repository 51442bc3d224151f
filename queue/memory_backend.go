/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	rec       TicketRecord
	class     string
	priority  int
	seq       int64
	visibleAt time.Time
	index     int
}

func (e *memEntry) less(other *memEntry) bool {
	if e.priority != other.priority {
		return e.priority > other.priority
	}
	return e.seq < other.seq
}

type readyHeap []*memEntry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// MemoryBackend is a process-local Backend. It is used in tests and in single-instance deployments.
type MemoryBackend struct {
	mu          sync.Mutex
	seq         int64
	ready       map[string]*readyHeap
	delayed     map[string]*memEntry // nacked tickets waiting for visibleAt
	claimed     map[string]*memEntry
	unavailable bool
	now         func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a new MemoryBackend. If clock is nil, time.Now is used.
func NewMemoryBackend(clock func() time.Time) *MemoryBackend {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryBackend{
		ready:   make(map[string]*readyHeap),
		delayed: make(map[string]*memEntry),
		claimed: make(map[string]*memEntry),
		now:     clock,
	}
}

// SetUnavailable makes every operation fail with ErrQueueUnavailable until it is called with false.
func (b *MemoryBackend) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = unavailable
}

func (b *MemoryBackend) checkAvailable(op string) error {
	if b.unavailable {
		return unavailable(op, fmt.Errorf("memory backend is switched off"))
	}
	return nil
}

func (b *MemoryBackend) classHeap(class string) *readyHeap {
	h, ok := b.ready[class]
	if !ok {
		h = &readyHeap{}
		b.ready[class] = h
	}
	return h
}

// Enqueue implements Backend.
func (b *MemoryBackend) Enqueue(_ context.Context, class string, rec TicketRecord, priority int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkAvailable("enqueue"); err != nil {
		return "", err
	}
	b.seq++
	rec.Class = class
	rec.Priority = priority
	heap.Push(b.classHeap(class), &memEntry{rec: rec, class: class, priority: priority, seq: b.seq})
	return rec.ID, nil
}

// Dequeue implements Backend.
func (b *MemoryBackend) Dequeue(_ context.Context, class string) (*TicketRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkAvailable("dequeue"); err != nil {
		return nil, err
	}
	h := b.classHeap(class)
	now := b.now()
	for id, e := range b.delayed {
		if e.class == class && !now.Before(e.visibleAt) {
			delete(b.delayed, id)
			heap.Push(h, e)
		}
	}
	if h.Len() == 0 {
		return nil, nil
	}
	e := heap.Pop(h).(*memEntry)
	b.claimed[e.rec.ID] = e
	rec := e.rec
	return &rec, nil
}

// Ack implements Backend.
func (b *MemoryBackend) Ack(_ context.Context, ticketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkAvailable("ack"); err != nil {
		return err
	}
	if _, ok := b.claimed[ticketID]; !ok {
		return fmt.Errorf("ack %s: %w", ticketID, ErrTicketNotFound)
	}
	delete(b.claimed, ticketID)
	return nil
}

// Nack implements Backend.
func (b *MemoryBackend) Nack(_ context.Context, ticketID string, retryDelay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkAvailable("nack"); err != nil {
		return err
	}
	e, ok := b.claimed[ticketID]
	if !ok {
		return fmt.Errorf("nack %s: %w", ticketID, ErrTicketNotFound)
	}
	delete(b.claimed, ticketID)
	e.rec.Attempts++
	if retryDelay <= 0 {
		heap.Push(b.classHeap(e.class), e)
		return nil
	}
	e.visibleAt = b.now().Add(retryDelay)
	b.delayed[ticketID] = e
	return nil
}

// Ping implements Pinger.
func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkAvailable("ping")
}

// Len returns the number of waiting (ready and delayed) tickets of the class.
func (b *MemoryBackend) Len(class string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.classHeap(class).Len()
	for _, e := range b.delayed {
		if e.class == class {
			n++
		}
	}
	return n
}
