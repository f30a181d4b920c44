package events_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkgate/pkg/events"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := events.New()
	var got []events.LinkEvent
	require.NoError(t, bus.Subscribe(events.LinkPersistFailed, func(ev events.LinkEvent) {
		got = append(got, ev)
	}))

	bus.Publish(events.LinkPersistFailed, events.LinkEvent{Handle: "acme", Err: errors.New("boom")})
	bus.Publish(events.LinkPersisted, events.LinkEvent{Handle: "other"})

	require.Len(t, got, 1)
	assert.Equal(t, "acme", got[0].Handle)
	assert.EqualError(t, got[0].Err, "boom")
	assert.False(t, got[0].At.IsZero(), "timestamp filled in")
}

func TestBus_Async(t *testing.T) {
	bus := events.New()
	var mu sync.Mutex
	count := 0
	require.NoError(t, bus.SubscribeAsync(events.LinkAcknowledged, func(events.LinkEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	for i := 0; i < 5; i++ {
		bus.Publish(events.LinkAcknowledged, events.LinkEvent{Handle: "acme"})
	}
	bus.WaitAsync()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *events.Bus
	assert.NotPanics(t, func() {
		bus.Publish(events.LinkPersisted, events.LinkEvent{Handle: "acme"})
		bus.WaitAsync()
	})
}
