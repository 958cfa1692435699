// Package hub fans reconstructed steps and events out to live subscribers.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/stepbus/stepbus/pkg/core"
	"github.com/stepbus/stepbus/pkg/streaming"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 512

// Hub broadcasts envelopes to every subscriber. A subscriber whose buffer
// is full misses the message and keeps receiving later ones.
type Hub struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
	published  atomic.Uint64
	dropped    atomic.Uint64
	logger     *slog.Logger
}

// Subscription receives marshaled envelopes on C until it is closed.
type Subscription struct {
	id     uint64
	hub    *Hub
	ch     chan []byte
	C      <-chan []byte
	lagged atomic.Uint64
}

// New creates a hub with the given per-subscriber buffer size.
func New(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan []byte, h.bufferSize)
	s := &Subscription{hub: h, ch: ch, C: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

// Lagged returns how many messages this subscriber missed.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Load()
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Publish marshals env once and offers it to every subscriber without
// blocking.
func (h *Hub) Publish(env streaming.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.published.Add(1)
	for _, s := range h.subs {
		select {
		case s.ch <- data:
		default:
			s.lagged.Add(1)
			h.dropped.Add(1)
		}
	}
}

// BroadcastStep publishes a reconstructed step.
func (h *Hub) BroadcastStep(step core.ReconstructedStep) {
	env, err := streaming.StepEnvelope(step)
	if err != nil {
		h.logger.Error("Failed to wrap step", "key", step.OrderKey, "error", err)
		return
	}
	h.Publish(env)
}

// BroadcastEvent publishes a recorded event.
func (h *Hub) BroadcastEvent(e core.Event) {
	env, err := streaming.EventEnvelope(e)
	if err != nil {
		h.logger.Error("Failed to wrap event", "id", e.ID, "error", err)
		return
	}
	h.Publish(env)
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats reports published and dropped message counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
