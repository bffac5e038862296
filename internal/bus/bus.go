// Package bus fans flow events out to in-process subscribers. Every
// committed snapshot publishes its events here; WebSocket clients and steps
// awaiting child flows consume them
package bus

import (
	"sync"
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/message"
	"github.com/kode4food/caravan/topic"

	"github.com/paywise/flowengine/pkg/api"
)

type (
	// Event is the envelope published for every flow state change. Sequence
	// is the version of the snapshot that carried the change, so consumers
	// can detect gaps against the store
	Event struct {
		Timestamp time.Time
		Data      any
		Type      api.EventType
		FlowID    api.FlowID
		Sequence  int64
	}

	// Bus is a single fan-out topic for flow events
	Bus struct {
		topic     topic.Topic[*Event]
		prod      topic.Producer[*Event]
		closeOnce sync.Once
	}
)

// New creates an event bus
func New() *Bus {
	t := caravan.NewTopic[*Event]()
	return &Bus{
		topic: t,
		prod:  t.NewProducer(),
	}
}

// Publish sends an event to all current consumers
func (b *Bus) Publish(ev *Event) {
	message.Send(b.prod, ev)
}

// NewConsumer registers a new subscriber. The caller must Close it
func (b *Bus) NewConsumer() topic.Consumer[*Event] {
	return b.topic.NewConsumer()
}

// Close shuts down the producer side of the bus
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.prod.Close()
	})
}
