// ABOUTME: In-memory typed event bus for plugin/integration collaborators
// ABOUTME: Publishing is fire-and-forget; slow subscribers drop, never block

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event names emitted by the control plane.
const (
	SessionCreated    = "session.created"
	SessionRunning    = "session.running"
	SessionHibernated = "session.hibernated"
	SessionTerminated = "session.terminated"
	SessionFailed     = "session.failed"
	CommandCompleted  = "command.completed"
	CommandFailed     = "command.failed"
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentOffline      = "agent.offline"
)

// Event is one named occurrence published to collaborators.
type Event struct {
	ID        string
	Name      string
	Timestamp time.Time
	Payload   map[string]string
}

// Bus provides in-memory pub/sub for core events. The core never blocks on
// delivery: events are dropped for subscribers whose channels are full, so
// delivery is at most once from the publisher's perspective.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for all events. Returns a receive channel
// and a subscription ID. The subscription is cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
}

// Publish sends a named event to all subscribers without blocking.
func (b *Bus) Publish(name string, payload map[string]string) {
	event := Event{
		ID:        uuid.New().String(),
		Name:      name,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"event", name, "event_id", event.ID)
		}
	}
}
