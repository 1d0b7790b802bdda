// Package notify pushes progress events to the learners they concern.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-n-ai/pai-learn/internal/progress"
)

const defaultSendTimeout = 5 * time.Second

// Channel is a live connection to one learner.
type Channel interface {
	Send(ctx context.Context, event progress.Event) error
	Close() error
}

// Hub routes events to the channels registered for each learner.
type Hub struct {
	channels map[string]map[uint64]Channel
	nextID   uint64
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[uint64]Channel),
		timeout:  defaultSendTimeout,
	}
}

// Register attaches a channel to a learner. The returned func detaches it.
func (h *Hub) Register(learnerID string, ch Channel) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.channels[learnerID] == nil {
		h.channels[learnerID] = make(map[uint64]Channel)
	}
	h.channels[learnerID][id] = ch
	slog.Info("notify channel registered", "learner_id", learnerID, "channel_id", id)

	return func() { h.remove(learnerID, id) }
}

// HasChannel reports whether the learner has at least one channel.
func (h *Hub) HasChannel(learnerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[learnerID]) > 0
}

// Publish sends an event to every channel of its learner. Channels that fail
// are closed and dropped.
func (h *Hub) Publish(ctx context.Context, event progress.Event) error {
	if event.LearnerID == "" {
		return fmt.Errorf("event has no learner id")
	}

	h.mu.RLock()
	targets := make(map[uint64]Channel, len(h.channels[event.LearnerID]))
	for id, ch := range h.channels[event.LearnerID] {
		targets[id] = ch
	}
	h.mu.RUnlock()

	var errs []error
	for id, ch := range targets {
		if err := ch.Send(ctx, event); err != nil {
			slog.Warn("dropping notify channel",
				"learner_id", event.LearnerID,
				"channel_id", id,
				"error", err,
			)
			h.remove(event.LearnerID, id)
			_ = ch.Close()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEvent publishes the event so the hub can sit behind a progress engine.
func (h *Hub) LogEvent(event progress.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.Publish(ctx, event)
}

// CloseAll closes and drops every channel.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]map[uint64]Channel)
	h.mu.Unlock()

	for _, byID := range channels {
		for _, ch := range byID {
			_ = ch.Close()
		}
	}
}

func (h *Hub) remove(learnerID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[learnerID], id)
	if len(h.channels[learnerID]) == 0 {
		delete(h.channels, learnerID)
	}
}

// MockChannel is a test double for Channel.
type MockChannel struct {
	Err    error
	mu     sync.Mutex
	sent   []progress.Event
	closed bool
}

func (m *MockChannel) Send(_ context.Context, event progress.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, event)
	return nil
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sent returns the delivered events.
func (m *MockChannel) Sent() []progress.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]progress.Event{}, m.sent...)
}

// Closed reports whether Close was called.
func (m *MockChannel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
