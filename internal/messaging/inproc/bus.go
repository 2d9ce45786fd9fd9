package inproc

import (
	"errors"
	"sync"

	"taskyard/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus broadcasts messages to every registered subscriber. A slow subscriber
// loses messages rather than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan domain.Message
	buffer  int
	dropped map[string]uint64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:    make(map[string]chan domain.Message),
		buffer:  buffer,
		dropped: make(map[string]uint64),
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Message, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	delete(b.dropped, subscriberID)
	close(ch)
}

// Publish offers msg to every subscriber. It returns ErrSubscriberQueueFull
// when at least one subscriber's queue was full.
func (b *Bus) Publish(msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped[id]++
			err = ErrSubscriberQueueFull
		}
	}
	return err
}

// Send delivers msg to one subscriber only.
func (b *Bus) Send(subscriberID string, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case ch <- msg:
		return nil
	default:
		b.dropped[subscriberID]++
		return ErrSubscriberQueueFull
	}
}

// Dropped reports how many messages subscriberID has missed.
func (b *Bus) Dropped(subscriberID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[subscriberID]
}
