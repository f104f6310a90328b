// Package streamproto implements the Provider Stream Adapter (SPEC_FULL.md
// C8): a uniform event stream — TextStart/Delta/End, ReasoningStart/Delta/
// End, ToolCallStart/Delta/ToolCall (upsert-by-id), FinishStep, Error —
// produced from whichever wire format a concrete internal/provider.Provider
// speaks.
//
// Grounded on internal/provider/provider.go's existing StreamEvent/
// ChatResponse/Provider/Factory/Registry abstraction (already close to
// spec.md's uniform-event model) and internal/provider/anthropic.go's
// concrete SSE push-parser (event:/data: line FSM, block-index to
// tool-call-index tracking, prompt-cache cache_control placement, usage
// extraction from message_start/message_delta). This package adds the
// explicit Start/End framing events and the closed FinishReason enum the
// teacher's model leaves implicit — the teacher infers text boundaries from
// presence/absence of content deltas rather than emitting frame markers,
// which is fine for its own TUI but not for a frontend-agnostic wire
// protocol multiple consumers must agree on.
package streamproto

import (
	"context"
	"fmt"

	"github.com/xonecas/opencoach/internal/provider"
)

// EventKind is the closed set of uniform stream event kinds.
type EventKind int

const (
	TextStart EventKind = iota
	TextDelta
	TextEnd
	ReasoningStart
	ReasoningDelta
	ReasoningEnd
	ToolCallStart
	ToolCallDelta
	ToolCall
	FinishStep
	Error
)

// FinishReason is the closed enum spec.md §3 requires for FinishStep
// events — never a free-form provider string.
type FinishReason int

const (
	FinishEndTurn FinishReason = iota
	FinishToolUse
	FinishMaxTokens
	FinishContentFilter
	FinishOther
)

func (f FinishReason) String() string {
	switch f {
	case FinishEndTurn:
		return "end_turn"
	case FinishToolUse:
		return "tool_use"
	case FinishMaxTokens:
		return "max_tokens"
	case FinishContentFilter:
		return "content_filter"
	default:
		return "other"
	}
}

// Usage carries token accounting, attached to FinishStep.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCallPart is the accumulated (or atomic) state of one tool call as of
// this event — frontends upsert by ID rather than appending, since some
// providers emit a tool call as a single atomic event and others emit it
// progressively across many deltas.
type ToolCallPart struct {
	ID        string
	Name      string
	Arguments string // raw JSON fragment (Delta) or complete JSON (ToolCall)
}

// Event is one uniform stream event.
type Event struct {
	Kind EventKind

	// TextDelta / ReasoningDelta
	Text string

	// ToolCallStart / ToolCallDelta / ToolCall
	ToolCall ToolCallPart

	// FinishStep
	Usage        Usage
	FinishReason FinishReason

	// Error
	ErrKind string
	Err     error
}

// Stream consumes p.ChatStream and emits the uniform event sequence,
// closing the returned channel once a FinishStep or Error event has been
// emitted. It tracks provider.StreamEvent transitions to synthesize the
// Start/End framing the provider.StreamEvent model itself doesn't carry.
func Stream(ctx context.Context, p provider.Provider, messages []provider.Message, tools []provider.Tool) (<-chan Event, error) {
	raw, err := p.ChatStream(ctx, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("streamproto: %s: %w", p.Name(), err)
	}

	out := make(chan Event, 16)
	go adapt(raw, out)
	return out, nil
}

func adapt(raw <-chan provider.StreamEvent, out chan<- Event) {
	defer close(out)

	var (
		textOpen      bool
		reasoningOpen bool
		pendingUsage  Usage
		openToolCalls = make(map[int]string) // index -> id, for providers that key by index
	)

	closeText := func() {
		if textOpen {
			out <- Event{Kind: TextEnd}
			textOpen = false
		}
	}
	closeReasoning := func() {
		if reasoningOpen {
			out <- Event{Kind: ReasoningEnd}
			reasoningOpen = false
		}
	}

	for ev := range raw {
		switch ev.Type {
		case provider.EventContentDelta:
			closeReasoning()
			if !textOpen {
				out <- Event{Kind: TextStart}
				textOpen = true
			}
			out <- Event{Kind: TextDelta, Text: ev.Content}

		case provider.EventReasoningDelta:
			closeText()
			if !reasoningOpen {
				out <- Event{Kind: ReasoningStart}
				reasoningOpen = true
			}
			out <- Event{Kind: ReasoningDelta, Text: ev.Content}

		case provider.EventToolCallBegin:
			closeText()
			closeReasoning()
			openToolCalls[ev.ToolCallIndex] = ev.ToolCallID
			out <- Event{Kind: ToolCallStart, ToolCall: ToolCallPart{
				ID:   ev.ToolCallID,
				Name: ev.ToolCallName,
			}}

		case provider.EventToolCallDelta:
			id := openToolCalls[ev.ToolCallIndex]
			out <- Event{Kind: ToolCallDelta, ToolCall: ToolCallPart{
				ID:        id,
				Arguments: ev.ToolCallArgs,
			}}

		case provider.EventUsage:
			// Usage arrives out-of-band of FinishStep for some providers;
			// buffered and attached when EventDone closes the stream.
			pendingUsage = Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}

		case provider.EventDone:
			closeText()
			closeReasoning()
			reason := FinishEndTurn
			if len(openToolCalls) > 0 {
				reason = FinishToolUse
			}
			out <- Event{Kind: FinishStep, Usage: pendingUsage, FinishReason: reason}
			return

		case provider.EventError:
			closeText()
			closeReasoning()
			out <- Event{Kind: Error, ErrKind: "provider_error", Err: ev.Err}
			return
		}
	}
}
