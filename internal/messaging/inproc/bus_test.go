package inproc

import (
	"errors"
	"testing"

	"taskyard/internal/domain"
)

func TestPublishFansOut(t *testing.T) {
	b := New(4)
	a := b.Register("a")
	c := b.Register("c")
	if err := b.Publish(domain.Message{Topic: domain.TopicNarration, Tick: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan domain.Message{"a": a, "c": c} {
		select {
		case msg := <-ch:
			if msg.Tick != 3 {
				t.Fatalf("%s got tick %d", name, msg.Tick)
			}
		default:
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New(1)
	b.Register("slow")
	if err := b.Publish(domain.Message{Tick: 1}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.Publish(domain.Message{Tick: 2}); !errors.Is(err, ErrSubscriberQueueFull) {
		t.Fatalf("expected ErrSubscriberQueueFull, got %v", err)
	}
	if b.Dropped("slow") != 1 {
		t.Fatalf("dropped=%d", b.Dropped("slow"))
	}
}

func TestSendUnknownSubscriber(t *testing.T) {
	b := New(1)
	if err := b.Send("ghost", domain.Message{}); !errors.Is(err, ErrSubscriberNotRegistered) {
		t.Fatalf("expected ErrSubscriberNotRegistered, got %v", err)
	}
	ch := b.Register("x")
	b.Unregister("x")
	if _, ok := <-ch; ok {
		t.Fatalf("unregistered channel should be closed")
	}
}
