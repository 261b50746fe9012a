package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries reassembled envelopes from link tasks to the dispatcher
// and fans pipeline events out to observers.
type MessageBus struct {
	inbound chan Envelope

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:          make(chan Envelope, defaultBufferSize),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound queues env for dispatch. It blocks while the queue is full.
func (mb *MessageBus) PublishInbound(ctx context.Context, env Envelope) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- env:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (Envelope, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Envelope{}, false
	case <-mb.done:
		return Envelope{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
