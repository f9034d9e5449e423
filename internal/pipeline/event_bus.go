package pipeline

import (
	"sync"
)

// BatchHandler receives published detection batches.
type BatchHandler interface {
	// OnDetectionBatch is called for each completed batch, in order.
	OnDetectionBatch(batch *DetectionBatch)
}

// BatchHandlerFunc adapts a function to the BatchHandler interface.
type BatchHandlerFunc func(batch *DetectionBatch)

// OnDetectionBatch implements BatchHandler.
func (f BatchHandlerFunc) OnDetectionBatch(batch *DetectionBatch) { f(batch) }

// EventBus fans detection batches out to observers (renderer, counters,
// capture consumers). Handlers are called synchronously to preserve batch
// ordering; channel subscribers get best-effort delivery and full channels
// skip the batch rather than block the detection loop.
type EventBus struct {
	subscribers map[*busSubscription]bool
	mu          sync.RWMutex
}

type busSubscription struct {
	channel chan *DetectionBatch
	handler BatchHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*busSubscription]bool),
	}
}

// Subscribe registers a handler for batches. Returns an unsubscribe
// function.
func (b *EventBus) Subscribe(handler BatchHandler) func() {
	sub := &busSubscription{handler: handler}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of batches and an
// unsubscribe function.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *DetectionBatch, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *DetectionBatch, bufferSize)
	sub := &busSubscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers a batch to all subscribers.
func (b *EventBus) Publish(batch *DetectionBatch) {
	if batch == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnDetectionBatch(batch)
		} else if sub.channel != nil {
			select {
			case sub.channel <- batch:
			default:
				// Channel full, skip this batch
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes their channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
