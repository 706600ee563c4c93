// ABOUTME: Tests for the fire-and-forget event bus.
// ABOUTME: Validates delivery, non-blocking publish, and ctx-driven cleanup.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.Subscribe(ctx)

	bus.Publish(SessionCreated, map[string]string{"session_id": "s-1"})

	select {
	case event := <-ch:
		assert.Equal(t, SessionCreated, event.Name)
		assert.Equal(t, "s-1", event.Payload["session_id"])
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscriber that never reads
	bus.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*3; i++ {
			bus.Publish(CommandCompleted, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscribeCleanupOnContextCancel(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := bus.Subscribe(ctx)
	cancel()

	// The channel closes once the subscription is cleaned up
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	// Publishing after cleanup must not panic
	bus.Publish(AgentConnected, nil)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	_, subID := bus.Subscribe(context.Background())

	bus.Unsubscribe(subID)
	bus.Unsubscribe(subID)
}
