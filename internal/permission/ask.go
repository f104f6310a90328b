package permission

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/xonecas/opencoach/internal/bus"
)

// AskEvent is published on the bus when a rule resolves to Ask. A
// frontend subscribed to the bus surfaces it to the user and replies
// through whatever inbound-action path it speaks (internal/update's
// ActionPermissionAnswer over the Backend Abstraction, for AskBroker's
// intended caller).
type AskEvent struct {
	RequestID string
	SessionID string
	Tool      string
	Command   string
	Path      string
}

func (AskEvent) IsReasoning() bool { return false }

// AskBroker implements AskFunc by publishing an AskEvent and blocking
// until a matching Resolve call arrives or ctx is cancelled. One broker
// can back every Manager sharing the same bus.
type AskBroker struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]chan askAnswer
}

type askAnswer struct {
	action   Action
	remember bool
}

// NewAskBroker creates a broker that publishes AskEvents on b.
func NewAskBroker(b *bus.Bus) *AskBroker {
	return &AskBroker{bus: b, pending: make(map[string]chan askAnswer)}
}

// Ask satisfies AskFunc.
func (ab *AskBroker) Ask(ctx context.Context, req Request) (Action, bool, error) {
	id := uuid.NewString()
	ch := make(chan askAnswer, 1)

	ab.mu.Lock()
	ab.pending[id] = ch
	ab.mu.Unlock()
	defer func() {
		ab.mu.Lock()
		delete(ab.pending, id)
		ab.mu.Unlock()
	}()

	ab.bus.Publish(AskEvent{
		RequestID: id,
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Command:   req.Command,
		Path:      req.Path,
	})

	select {
	case <-ctx.Done():
		return Deny, false, ctx.Err()
	case ans := <-ch:
		return ans.action, ans.remember, nil
	}
}

// Resolve delivers a user's answer to the outstanding Ask identified by
// requestID. Returns false if requestID is unknown (already timed out, or
// never existed — e.g. a stale/duplicate answer from a frontend).
func (ab *AskBroker) Resolve(requestID string, allow, remember bool) bool {
	ab.mu.Lock()
	ch, ok := ab.pending[requestID]
	ab.mu.Unlock()
	if !ok {
		return false
	}
	action := Deny
	if allow {
		action = Allow
	}
	select {
	case ch <- askAnswer{action: action, remember: remember}:
		return true
	default:
		return false
	}
}
