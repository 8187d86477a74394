package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for event state transitions.
// Subscribers observe the assembler without being able to mutate events.
type EventBus struct {
	subscribers map[*busSubscription]bool
	mu          sync.RWMutex
}

type busSubscription struct {
	cameraFilter string // Empty string means receive all cameras
	channel      chan StateChange
	handler      StateHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*busSubscription]bool),
	}
}

// Subscribe registers a handler for transitions from all cameras.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler StateHandler) func() {
	return b.add(&busSubscription{handler: handler})
}

// SubscribeCamera registers a handler for transitions of one camera
func (b *EventBus) SubscribeCamera(cameraID string, handler StateHandler) func() {
	return b.add(&busSubscription{cameraFilter: cameraID, handler: handler})
}

// SubscribeChannel returns a buffered channel receiving transitions.
// Transitions are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan StateChange, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan StateChange, bufferSize)
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

func (b *EventBus) add(sub *busSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish delivers a transition to all subscribers. Handlers are called
// synchronously so each subscriber sees transitions in order.
func (b *EventBus) Publish(change StateChange) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != change.CameraID {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnStateChange(change)
		} else if sub.channel != nil {
			select {
			case sub.channel <- change:
			default:
				// Channel full, skip
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
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
