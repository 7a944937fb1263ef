// Package fanout distributes values from one producer to many subscribers
// with bounded per-subscriber queues. A subscriber that falls behind loses its
// oldest queued values; the producer never blocks.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Stats is a point-in-time view of a Hub.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

type subscriber[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// Hub is a one-to-many distributor. The zero value is not usable; call New.
type Hub[T any] struct {
	buffer int

	mu   sync.Mutex
	subs map[string]*subscriber[T]

	published atomic.Uint64
	dropped   atomic.Uint64
	onChange  func(n int)
	onDrop    func()
}

// New returns a Hub whose subscribers queue at most buffer values.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub[T]{buffer: buffer, subs: make(map[string]*subscriber[T])}
}

// OnChange registers fn to be called with the subscriber count whenever it
// changes. Must be called before the hub is shared.
func (h *Hub[T]) OnChange(fn func(n int)) { h.onChange = fn }

// OnDrop registers fn to be called for every dropped value.
func (h *Hub[T]) OnDrop(fn func()) { h.onDrop = fn }

// Subscribe attaches a new subscriber at the live edge: it receives only
// values published after this call.
func (h *Hub[T]) Subscribe() (string, <-chan T) {
	id := uuid.NewString()
	s := &subscriber[T]{ch: make(chan T, h.buffer)}
	h.mu.Lock()
	h.subs[id] = s
	n := len(h.subs)
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(n)
	}
	return id, s.ch
}

// Unsubscribe detaches id and closes its channel. Unknown ids are ignored.
func (h *Hub[T]) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if ok && h.onChange != nil {
		h.onChange(n)
	}
}

// Publish delivers v to every subscriber. When a subscriber's queue is full
// its oldest value is discarded to make room.
func (h *Hub[T]) Publish(v T) {
	h.published.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		default:
		}
		select {
		case s.ch <- v:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns the hub counters.
func (h *Hub[T]) Stats() Stats {
	return Stats{
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: h.Len(),
	}
}

// Close detaches every subscriber.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(0)
	}
}
