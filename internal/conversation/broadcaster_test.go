// ABOUTME: Tests for the in-memory event broadcaster
// ABOUTME: Fan-out, session scoping, slow-subscriber drops and cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitbiz/wagate/internal/store"
)

func TestPublishReachesSessionSubscribers(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "sess-1")
	ch2, _ := b.Subscribe(t.Context(), "sess-1")
	other, _ := b.Subscribe(t.Context(), "sess-2")

	b.MessageStored("sess-1", &store.Message{ID: "m1", Address: "peer@x"})

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventNewMessage, ev.Type)
			assert.Equal(t, "m1", ev.Message.ID)
			assert.Equal(t, "peer@x", ev.Address)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other:
		t.Fatal("event leaked across sessions")
	default:
	}
}

func TestConversationUpdatedEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "sess-1")
	b.ConversationUpdated("sess-1", "peer@x")

	select {
	case ev := <-ch:
		assert.Equal(t, EventConversationUpdated, ev.Type)
		assert.Equal(t, "peer@x", ev.Address)
		assert.Nil(t, ev.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "sess-1")
	b.Unsubscribe("sess-1", subID)

	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic.
	b.ConversationUpdated("sess-1", "peer@x")
}

func TestContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "sess-1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	b.Subscribe(t.Context(), "sess-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.ConversationUpdated("sess-1", "peer@x")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
