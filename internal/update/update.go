// Package update implements the Update Protocol (SPEC_FULL.md C12): the
// tagged-union JSON wire schema a frontend receives over the Backend
// Abstraction (C11), keyed by a "type" discriminator field exactly as
// spec.md §6 requires.
//
// Grounded on internal/mcp/types.go's NewResponse/NewErrorResponse tagged
// envelope convention, generalized from a JSON-RPC response envelope to the
// broader Update union the runtime emits (stream frames, tool dispatch
// results, permission prompts, lifecycle notices).
package update

import (
	"encoding/json"
	"fmt"

	"github.com/xonecas/opencoach/internal/permission"
	"github.com/xonecas/opencoach/internal/promptloop"
	"github.com/xonecas/opencoach/internal/streamproto"
)

// Type is the closed set of wire-level Update discriminators.
type Type string

const (
	TypeTextDelta       Type = "text_delta"
	TypeTextStart       Type = "text_start"
	TypeTextEnd         Type = "text_end"
	TypeReasoningDelta  Type = "reasoning_delta"
	TypeReasoningStart  Type = "reasoning_start"
	TypeReasoningEnd    Type = "reasoning_end"
	TypeToolCallStart   Type = "tool_call_start"
	TypeToolCallDelta   Type = "tool_call_delta"
	TypeToolCall        Type = "tool_call"
	TypeToolResult      Type = "tool_result"
	TypeFinishStep      Type = "finish_step"
	TypeMessageAppended Type = "message_appended"
	TypePermissionAsk   Type = "permission_ask"
	TypeError           Type = "error"
	TypeSandboxUpdated  Type = "sandbox_updated"
)

// SandboxUpdated reports a Sandbox Runtime (C6) lifecycle transition,
// published on the session bus by cmd/opencoach's SandboxStart/SandboxStop/
// SandboxRestart action handlers.
type SandboxUpdated struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Runtime   string `json:"runtime,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Envelope is the wire shape every Update serializes to: a "type"
// discriminator plus a type-specific payload.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FromBusUpdate converts an internal/promptloop Update (as published on the
// bus) into its wire Envelope. Unrecognized payloads produce an error so a
// new Update variant can't silently fail to reach the wire.
func FromBusUpdate(u any) (Envelope, error) {
	switch v := u.(type) {
	case promptloop.StreamFrame:
		return fromStreamEvent(v.SessionID, v.Event)
	case promptloop.MessageAppended:
		return marshalEnvelope(TypeMessageAppended, v.SessionID, v.Message)
	case promptloop.ToolDispatched:
		return marshalEnvelope(TypeToolResult, v.SessionID, v)
	case promptloop.StepError:
		return marshalEnvelope(TypeError, v.SessionID, map[string]string{"message": v.Err.Error()})
	case permission.AskEvent:
		return marshalEnvelope(TypePermissionAsk, v.SessionID, v)
	case SandboxUpdated:
		return marshalEnvelope(TypeSandboxUpdated, v.SessionID, v)
	default:
		return Envelope{}, fmt.Errorf("update: no wire mapping for %T", u)
	}
}

func fromStreamEvent(sessionID string, ev streamproto.Event) (Envelope, error) {
	var t Type
	switch ev.Kind {
	case streamproto.TextStart:
		t = TypeTextStart
	case streamproto.TextDelta:
		t = TypeTextDelta
	case streamproto.TextEnd:
		t = TypeTextEnd
	case streamproto.ReasoningStart:
		t = TypeReasoningStart
	case streamproto.ReasoningDelta:
		t = TypeReasoningDelta
	case streamproto.ReasoningEnd:
		t = TypeReasoningEnd
	case streamproto.ToolCallStart:
		t = TypeToolCallStart
	case streamproto.ToolCallDelta:
		t = TypeToolCallDelta
	case streamproto.ToolCall:
		t = TypeToolCall
	case streamproto.FinishStep:
		t = TypeFinishStep
	case streamproto.Error:
		t = TypeError
	default:
		return Envelope{}, fmt.Errorf("update: unknown stream event kind %d", ev.Kind)
	}
	return marshalEnvelope(t, sessionID, ev)
}

func marshalEnvelope(t Type, sessionID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("update: marshal payload for %s: %w", t, err)
	}
	return Envelope{Type: t, SessionID: sessionID, Payload: data}, nil
}

// ActionType is the "type" discriminator of an inbound request from a
// frontend to the runtime, following the same convention as updates.
type ActionType string

const (
	ActionSendPrompt       ActionType = "send_prompt"
	ActionCancel           ActionType = "cancel"
	ActionPermissionAnswer ActionType = "permission_answer"
	ActionRevert           ActionType = "revert"
	ActionSandboxStart     ActionType = "sandbox_start"
	ActionSandboxStop      ActionType = "sandbox_stop"
	ActionSandboxRestart   ActionType = "sandbox_restart"
)

// ActionEnvelope is the inbound wire shape.
type ActionEnvelope struct {
	Type      ActionType      `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SendPromptPayload is ActionSendPrompt's payload.
type SendPromptPayload struct {
	Text string `json:"text"`
}

// PermissionAnswerPayload is ActionPermissionAnswer's payload.
type PermissionAnswerPayload struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
	Remember  bool   `json:"remember"`
}

// RevertPayload is ActionRevert's payload — reverts a session to just
// before the named turn, matching internal/store.DeleteMessagesFrom's
// "truncate history" semantics.
type RevertPayload struct {
	TurnID int64 `json:"turn_id"`
}
