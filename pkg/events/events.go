// Package events publishes link lifecycle notifications on an in-process bus.
package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
)

const (
	// LinkAcknowledged fires once the callback response has been flushed,
	// before the record is durable.
	LinkAcknowledged = "link:acknowledged"
	LinkPersisted    = "link:persisted"
	// LinkPersistFailed fires when the post-acknowledgement upsert fails.
	LinkPersistFailed = "link:persist_failed"
	LinkRevoked       = "link:revoked"
	LinkRestored      = "link:restored"
)

// LinkEvent is the payload for every link topic.
type LinkEvent struct {
	Handle  string
	UserID  string
	Created bool
	Err     error
	At      time.Time
}

// Bus is a typed wrapper over EventBus. A nil *Bus drops everything.
type Bus struct {
	bus evbus.Bus
}

func New() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Publish(topic string, ev LinkEvent) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.bus.Publish(topic, ev)
}

func (b *Bus) Subscribe(topic string, fn func(LinkEvent)) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync runs fn on its own goroutine per event; WaitAsync blocks
// until queued handlers finish.
func (b *Bus) SubscribeAsync(topic string, fn func(LinkEvent)) error {
	return b.bus.SubscribeAsync(topic, fn, false)
}

func (b *Bus) Unsubscribe(topic string, fn func(LinkEvent)) error {
	return b.bus.Unsubscribe(topic, fn)
}

func (b *Bus) WaitAsync() {
	if b == nil {
		return
	}
	b.bus.WaitAsync()
}
