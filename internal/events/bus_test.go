package events

import (
	"testing"
	"time"
)

type recordingSink struct {
	seq  uint64
	msgs []Message
}

func (s *recordingSink) Append(m *Message) error {
	s.seq++
	m.Seq = s.seq
	s.msgs = append(s.msgs, *m)
	return nil
}

func TestPublishReachesTopicAndWildcard(t *testing.T) {
	sink := &recordingSink{}
	b := NewBus(sink)

	filled, unsubFilled := b.Subscribe(EventOrderFilled, 4)
	all, unsubAll := b.Subscribe(EventAll, 4)
	defer unsubFilled()
	defer unsubAll()

	b.Publish(Message{Type: EventOrderFilled, Account: "ACC1"})
	b.Publish(Message{Type: EventStateSaved, Account: "ACC1"})

	select {
	case m := <-filled:
		if m.Seq != 1 || m.At.IsZero() {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no order.filled message")
	}
	if got := len(all); got != 2 {
		t.Fatalf("wildcard got %d messages, want 2", got)
	}
	if len(filled) != 0 {
		t.Fatal("state.saved leaked into order.filled subscription")
	}
	if len(sink.msgs) != 2 {
		t.Fatalf("sink got %d messages", len(sink.msgs))
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(EventAll, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Message{Type: EventOrderIntent})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventOrderIntent, 1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	b.Publish(Message{Type: EventOrderIntent})
}
