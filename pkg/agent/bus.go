package agent

import (
	"sync"

	"github.com/go-logr/logr"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 100

// Bus fans engine events out to per-conversation subscribers. Publish never
// blocks; a subscriber that falls behind loses events and the loss is logged.
// Unsubscribe is synchronous: once it returns, no further events are delivered
// on the channel and the channel is closed.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	buffer      int
	log         logr.Logger
}

// NewBus creates a bus with the default subscriber buffer.
func NewBus(log logr.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
		buffer:      DefaultSubscriberBuffer,
		log:         log.WithName("bus"),
	}
}

// Publish delivers the event to every subscriber of its conversation.
// Events for conversations with no subscriber are dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subscribers := b.subscribers[event.ConversationID]
	b.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			b.log.Info("subscriber buffer full, dropping event",
				"conversation", event.ConversationID, "type", event.Type)
		}
	}
}

// Subscribe registers a new subscriber for the given conversation.
func (b *Bus) Subscribe(conversationID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	b.subscribers[conversationID] = append(b.subscribers[conversationID], ch)

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(conversationID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.subscribers[conversationID]
	for i, sub := range subscribers {
		if sub == ch {
			b.subscribers[conversationID] = append(subscribers[:i], subscribers[i+1:]...)
			close(sub)
			break
		}
	}

	if len(b.subscribers[conversationID]) == 0 {
		delete(b.subscribers, conversationID)
	}
}
