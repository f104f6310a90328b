package promptloop

import (
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/streamproto"
)

// StreamFrame wraps a single uniform stream event for bus publication.
type StreamFrame struct {
	SessionID string
	Event     streamproto.Event
}

// IsReasoning lets internal/bus elide reasoning frames from subscribers who
// didn't opt in.
func (f StreamFrame) IsReasoning() bool {
	switch f.Event.Kind {
	case streamproto.ReasoningStart, streamproto.ReasoningDelta, streamproto.ReasoningEnd:
		return true
	default:
		return false
	}
}

// MessageAppended announces a complete message was added to session history.
type MessageAppended struct {
	SessionID string
	Message   provider.Message
}

func (MessageAppended) IsReasoning() bool { return false }

// ToolDispatched announces the outcome of one tool call.
type ToolDispatched struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Result     string
	IsError    bool
}

func (ToolDispatched) IsReasoning() bool { return false }

// StepError announces the turn ended because of an unrecoverable error.
type StepError struct {
	SessionID string
	Err       error
}

func (StepError) IsReasoning() bool { return false }
