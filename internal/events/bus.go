package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink receives every message synchronously, before subscribers.
type Sink interface {
	Append(msg *Message) error
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu    sync.RWMutex
	subs  map[Event][]chan Message
	sinks []Sink
	now   func() time.Time
}

// NewBus creates an event bus. Sinks such as the journal see every message.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{subs: make(map[Event][]chan Message), sinks: sinks, now: time.Now}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function. EventAll receives every topic.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish records msg in every sink and fans it out to subscribers without
// blocking; slow subscribers miss messages.
func (b *Bus) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = b.now()
	}
	for _, s := range b.sinks {
		if err := s.Append(&msg); err != nil {
			log.Error().Err(err).Str("type", string(msg.Type)).Str("account", msg.Account).Msg("event sink append failed")
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range []Event{msg.Type, EventAll} {
		for _, ch := range b.subs[topic] {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
