// Package bus implements the event bus described in SPEC_FULL.md C1: a
// pub/sub fan-out of Update values to any number of subscribers, used to
// decouple the prompt loop and tool dispatch from whichever frontend (local
// TUI, remote HTTP/SSE client) is currently attached.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Update is any payload published on the bus. Concrete Update variants live
// in internal/update; the bus itself is payload-agnostic so internal/update
// has no import-cycle dependency on internal/bus.
type Update = any

// SubscribeOptions controls what a subscriber receives.
type SubscribeOptions struct {
	// WithReasoning, when false (the default), elides reasoning-derived
	// updates. Most frontends don't render a reasoning stream and the
	// teacher's own UI treats Reasoning as an optional side channel.
	WithReasoning bool
	// BufferSize sets the subscriber's channel capacity. Zero means the
	// bus default (64).
	BufferSize int
}

const defaultBufferSize = 64

// Subscription is a live subscriber handle. Updates arrive on C; call
// Unsubscribe when the frontend disconnects.
type Subscription struct {
	id     uint64
	ch     chan Update
	opts   SubscribeOptions
	bus    *Bus
	closed bool
}

// C returns the channel Updates arrive on.
func (s *Subscription) C() <-chan Update { return s.ch }

// Unsubscribe removes this subscriber from the bus and closes its channel.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s.id) }

// Bus fans out Updates published for a single session to every attached
// subscriber. A slow subscriber never blocks publication: when its buffer
// is full the oldest queued Update is dropped to make room, and the drop is
// logged.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe attaches a new subscriber and returns its handle.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		ch:   make(chan Update, opts.BufferSize),
		opts: opts,
		bus:  b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, id)
	close(sub.ch)
}

// reasoningUpdate is implemented by Update variants that should be elided
// from subscribers who didn't opt into WithReasoning.
type reasoningUpdate interface {
	IsReasoning() bool
}

// Publish fans out u to every current subscriber. It never blocks: a full
// subscriber buffer has its oldest entry dropped to make room.
func (b *Bus) Publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if r, ok := u.(reasoningUpdate); ok && r.IsReasoning() && !sub.opts.WithReasoning {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			select {
			case <-sub.ch:
				log.Warn().Uint64("subscriber_id", sub.id).Msg("bus: dropped oldest update, subscriber buffer full")
			default:
			}
			select {
			case sub.ch <- u:
			default:
				log.Warn().Uint64("subscriber_id", sub.id).Msg("bus: dropped update, subscriber buffer full")
			}
		}
	}
}

// Close unsubscribes and closes channels for every current subscriber. The
// Bus is unusable after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
