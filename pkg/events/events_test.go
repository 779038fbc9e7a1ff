package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	first := broker.Subscribe()
	second := broker.Subscribe()
	defer broker.Unsubscribe(first)
	defer broker.Unsubscribe(second)

	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{
		Type:    EventTaskClaimed,
		Agent:   "exec",
		TaskID:  "1761000000000-deadbeef",
		Message: "claimed for turn",
	})

	for _, sub := range []Subscriber{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, EventTaskClaimed, event.Type)
			assert.Equal(t, "exec", event.Agent)
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEmitFillsEvent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Emit(EventTurnStarted, "plan", "task-1", "engine spawned")

	select {
	case event := <-sub:
		assert.Equal(t, EventTurnStarted, event.Type)
		assert.Equal(t, "plan", event.Agent)
		assert.Equal(t, "task-1", event.TaskID)
		assert.Equal(t, "engine spawned", event.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained: the per-subscriber buffer fills and further events skip.
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			broker.Emit(EventTurnCompleted, "exec", "task-1", "ok")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
