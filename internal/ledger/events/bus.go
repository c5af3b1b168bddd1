package events

import (
	"context"

	evbus "github.com/asaskevich/EventBus"

	"impactledger/internal/ledger/models"
)

// TopicAll receives every event regardless of type.
const TopicAll = "ledger.*"

// Bus is the in-process event bus. Handlers run synchronously on the
// publishing goroutine, after the mutation has committed.
type Bus struct {
	bus evbus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func topicFor(t models.EventType) string {
	return "ledger." + string(t)
}

// Subscribe registers fn for one event type. The returned func unsubscribes.
func (b *Bus) Subscribe(t models.EventType, fn func(models.Event)) (func(), error) {
	return b.subscribe(topicFor(t), fn)
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn func(models.Event)) (func(), error) {
	return b.subscribe(TopicAll, fn)
}

func (b *Bus) subscribe(topic string, fn func(models.Event)) (func(), error) {
	if err := b.bus.Subscribe(topic, fn); err != nil {
		return nil, err
	}
	return func() { _ = b.bus.Unsubscribe(topic, fn) }, nil
}

func (b *Bus) Publish(_ context.Context, event models.Event) error {
	b.bus.Publish(topicFor(event.Type), event)
	b.bus.Publish(TopicAll, event)
	return nil
}
