package backend

import (
	"context"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/update"
)

// LocalBackend is the in-process transport: Actions are dispatched via a
// direct function call, Updates are drained from a bus.Subscription and
// converted to wire Envelopes. This is what cmd/opencoach's interactive
// frontend uses — no serialization round-trip needed since both ends live
// in the same process.
type LocalBackend struct {
	sub     *bus.Subscription
	handler ActionHandler
	updates chan update.Envelope
	done    chan struct{}
}

// NewLocal creates a LocalBackend subscribed to b, routing inbound Actions
// to handler.
func NewLocal(b *bus.Bus, handler ActionHandler, opts bus.SubscribeOptions) *LocalBackend {
	lb := &LocalBackend{
		sub:     b.Subscribe(opts),
		handler: handler,
		updates: make(chan update.Envelope, 64),
		done:    make(chan struct{}),
	}
	go lb.pump()
	return lb
}

func (lb *LocalBackend) pump() {
	defer close(lb.updates)
	for {
		select {
		case u, ok := <-lb.sub.C():
			if !ok {
				return
			}
			env, err := update.FromBusUpdate(u)
			if err != nil {
				continue
			}
			select {
			case lb.updates <- env:
			case <-lb.done:
				return
			}
		case <-lb.done:
			return
		}
	}
}

func (lb *LocalBackend) SendAction(ctx context.Context, action update.ActionEnvelope) error {
	if lb.handler == nil {
		return nil
	}
	return lb.handler(ctx, action)
}

func (lb *LocalBackend) Updates() <-chan update.Envelope { return lb.updates }

func (lb *LocalBackend) Close() error {
	select {
	case <-lb.done:
	default:
		close(lb.done)
	}
	lb.sub.Unsubscribe()
	return nil
}
