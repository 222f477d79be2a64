package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a, doneA := bus.Subscribe()
	b, doneB := bus.Subscribe()
	defer bus.Unsubscribe(doneB)
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(Event{Type: TypeDecision, Owner: 7, Outcome: "replied"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, "replied", e.Outcome)
			assert.NotEmpty(t, e.TS)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	bus.Unsubscribe(doneA)
	_, open := <-a
	assert.False(t, open, "unsubscribe closes the channel")
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(Event{Type: TypeLifecycle})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRecentRingBuffer(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 250; i++ {
		bus.Publish(Event{Type: TypeDecision, Message: fmt.Sprint(i)})
	}

	all := bus.Recent(0)
	require.Len(t, all, 200)
	assert.Equal(t, "50", all[0].Message)
	assert.Equal(t, "249", all[199].Message)

	last := bus.Recent(2)
	assert.Equal(t, "248", last[0].Message)
}

func TestMarshal(t *testing.T) {
	raw := Event{Type: TypeError, Owner: 3, Message: "boom"}.Marshal()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.NotEmpty(t, decoded["ts"])
	assert.NotContains(t, decoded, "cycle")
}
