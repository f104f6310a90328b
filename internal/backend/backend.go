// Package backend implements the Backend Abstraction (SPEC_FULL.md C11):
// both a local in-process transport and a remote HTTP/SSE transport expose
// the same Action-in/Update-out interface, so a frontend (TUI or a remote
// client) doesn't need to know which one it's talking to.
//
// Grounded on cmd/symb/main.go's single-process wiring (a local consumer
// driving the proxy and provider directly) generalized into an explicit
// Backend interface with a second, HTTP-based implementation modeled on
// kadirpekel-hector's chi-based server setup.
package backend

import (
	"context"

	"github.com/xonecas/opencoach/internal/update"
)

// Backend is the interface both the local and remote transports satisfy.
type Backend interface {
	// SendAction delivers an inbound Action to the runtime.
	SendAction(ctx context.Context, action update.ActionEnvelope) error
	// Updates returns the channel of outbound Updates for this connection.
	Updates() <-chan update.Envelope
	// Close releases any resources (subscriptions, HTTP connections).
	Close() error
}

// ActionHandler processes an inbound Action. Implementations live in the
// session/runtime layer (cmd/opencoach wires one per session).
type ActionHandler func(ctx context.Context, action update.ActionEnvelope) error
