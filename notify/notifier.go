// Package notify fans out "new writes recorded" signals so consumers can
// wake immediately instead of waiting for their next poll.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for signal channels.
// Subscribers that can't keep up have signals dropped (non-blocking send);
// one pending signal is enough to wake a poller.
const defaultSignalBufferSize = 16

// Signal announces appended writes up to LastSeq.
type Signal struct {
	LastSeq uint64
	Count   int
}

type subscription struct {
	id     uint64
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies all subscribers without blocking.
func (h *Hub) Signal(lastSeq uint64, count int) {
	signal := Signal{LastSeq: lastSeq, Count: count}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- signal:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel
// function that closes it.
func (h *Hub) Subscribe() (<-chan Signal, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
