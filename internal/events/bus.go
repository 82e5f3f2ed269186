package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event is one envelope delivered to every subscriber.
type Event struct {
	Type    string      `json:"type"`
	Ts      time.Time   `json:"ts"`
	Payload interface{} `json:"payload,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. Publishing
// never blocks the simulation thread: a subscriber that falls behind loses
// events rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	log    zerolog.Logger
}

const subscriberBuffer = 256

func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new listener. The returned id releases it via
// Unsubscribe; the channel closes at that point.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(eventType string, payload interface{}) {
	evt := Event{Type: eventType, Ts: time.Now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Warn().
				Int("subscriber", id).
				Str("event", eventType).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount reports the number of live listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
