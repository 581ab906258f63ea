// Package events is the in-process pub-sub fan-out behind the Output
// Pipeline (C5) and the dispatcher's server-initiated event stream
// (console_output, state_changed, signal_update). Grounded on the teacher's
// pkg/events.Broker, generalized from cluster lifecycle events to
// types.DomainEvent and changed to drop-oldest (not drop-newest)
// backpressure per spec.md §4.5/§5.
package events

import (
	"sync"
	"time"

	"github.com/vea-project/runtime/pkg/types"
)

// subscriberBufferSize bounds each subscriber's pending-event queue.
const subscriberBufferSize = 64

// Subscriber is a buffered channel that receives domain events for one
// dispatcher client connection.
type Subscriber chan *types.DomainEvent

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.DomainEvent
	stopCh      chan struct{}
	onDrop      func(appID string)
}

// NewBroker creates a new event broker. onDrop, if non-nil, is invoked
// whenever a subscriber's queue overflows, so the caller can emit the
// single warning LogRecord spec.md §4.5 requires.
func NewBroker(onDrop func(appID string)) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.DomainEvent, 256),
		stopCh:      make(chan struct{}),
		onDrop:      onDrop,
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a buffered channel of
// delivered events.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBufferSize)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *types.DomainEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast delivers event to every subscriber, dropping the oldest queued
// item (not the new one) when a subscriber's buffer is full — spec.md §4.5
// "the oldest pending chunk is dropped" — unlike the teacher's broker,
// which dropped the newest via a bare select/default.
func (b *Broker) broadcast(event *types.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			select {
			case <-sub:
				if b.onDrop != nil {
					b.onDrop(event.AppID)
				}
			default:
			}
			select {
			case sub <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
