// Package llm implements the LLM interaction loop with tool calling support.
//
// ProcessTurn is a thin, signature-preserving bridge in front of
// internal/promptloop.ProcessTurn (SPEC_FULL.md C9): every caller in this
// tree (internal/subagent, internal/mcptools's own SubAgent tool)
// was written against this package's original teacher-shaped API, so rather
// than rip those call sites apart this package now builds a throwaway
// internal/registry.Registry + internal/bus.Bus around the caller's
// *mcp.Proxy and streams the real engine's bus.Updates back out through the
// legacy OnDelta/OnMessage/OnToolCall/OnUsage callbacks. The conversation
// itself is driven end to end by the Prompt Loop, Tool Registry, and
// Provider Stream Adapter described in SPEC_FULL.md — this package only
// translates at the edges.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/mcp"
	"github.com/xonecas/opencoach/internal/promptloop"
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/registry"
	"github.com/xonecas/opencoach/internal/streamproto"
)

// MaxDepth is the maximum recursion depth for sub-agents.
// Matches subagent.MaxSubAgentDepth to prevent import cycle.
const MaxDepth = promptloop.MaxSubAgentDepth

// MessageCallback is called when a complete message should be added to history.
type MessageCallback func(msg provider.Message)

// DeltaCallback is called for each streaming event (content/reasoning deltas).
type DeltaCallback func(evt provider.StreamEvent)

// ToolCallCallback is called when tool calls are about to be executed.
type ToolCallCallback func()

// UsageCallback is called with accumulated token usage after each LLM call.
type UsageCallback func(inputTokens, outputTokens int)

// ScratchpadReader provides read access to the agent's working plan.
type ScratchpadReader interface {
	Content() string
}

// ProcessTurnOptions holds configuration for processing a turn.
type ProcessTurnOptions struct {
	Provider      provider.Provider
	Proxy         *mcp.Proxy
	Tools         []mcp.Tool
	History       []provider.Message
	OnMessage     MessageCallback
	OnDelta       DeltaCallback    // Optional: called for each stream event
	OnToolCall    ToolCallCallback // Optional: called before executing tool calls
	OnUsage       UsageCallback    // Optional: called with token usage after each LLM call
	Scratchpad    ScratchpadReader // Optional: agent plan injected at context tail
	MaxToolRounds int
	Depth         int // Recursion depth (0=root agent, 1=sub-agent)
}

// ProcessTurn handles one conversation turn, which may involve tool calls.
// It streams events via OnDelta and emits complete messages via OnMessage.
// Internally, every provider call and every tool dispatch runs through
// internal/promptloop, internal/registry, and internal/streamproto; this
// function exists only to keep the pre-existing caller shape working.
func ProcessTurn(ctx context.Context, opts ProcessTurnOptions) error {
	if opts.Depth > MaxDepth {
		return fmt.Errorf("max sub-agent depth exceeded: %d > %d", opts.Depth, MaxDepth)
	}
	maxSteps := opts.MaxToolRounds
	if maxSteps == 0 {
		maxSteps = 60
	}

	reg := buildProxyRegistry(opts.Proxy, opts.Tools)

	b := bus.New()
	sub := b.Subscribe(bus.SubscribeOptions{WithReasoning: true, BufferSize: 256})
	pumpDone := make(chan struct{})
	go pumpLegacyCallbacks(sub, opts, pumpDone)
	defer func() {
		sub.Unsubscribe()
		<-pumpDone
	}()

	var scratchpad promptloop.ScratchpadReader
	if opts.Scratchpad != nil {
		scratchpad = opts.Scratchpad
	}

	cfg := promptloop.Config{
		SessionID:  "legacy",
		Provider:   opts.Provider,
		Registry:   reg,
		Tools:      reg.List(),
		History:    opts.History,
		Bus:        b,
		Scratchpad: scratchpad,
		MaxSteps:   maxSteps,
		Depth:      opts.Depth,
	}

	res, err := promptloop.ProcessTurn(ctx, cfg)
	if err != nil {
		return fmt.Errorf("LLM stream failed: %w", err)
	}
	opts.History = res.History
	return nil
}

// buildProxyRegistry wraps every mcp.Tool the caller already resolved
// (local handlers plus any upstream MCP tools) as an internal/registry
// Definition backed by opts.Proxy.CallTool, so promptloop's dispatch path
// is the same Tool Registry the rest of the runtime uses. No
// internal/permission.Manager is attached here: the teacher's *mcp.Proxy
// handlers (internal/mcptools) already gate mutation through their own
// snapshot/file-time path (see internal/mcptools/edit.go), so layering a
// second permission check in front of a caller that predates
// internal/permission would double-prompt. cmd/opencoach's own registry
// (internal/toolreg), used by the serve/headless path, is the one that
// attaches a Manager.
func buildProxyRegistry(proxy *mcp.Proxy, tools []mcp.Tool) *registry.Registry {
	reg := registry.New(nil)
	for _, t := range tools {
		t := t
		def := registry.Definition{Name: t.Name, Description: t.Description, Schema: t.InputSchema}
		handler := func(ctx context.Context, args json.RawMessage) (string, error) {
			result, err := proxy.CallTool(ctx, t.Name, args)
			if err != nil {
				return "", err
			}
			text := extractTextFromContent(result.Content)
			if result.IsError {
				if text == "" {
					text = "tool returned an error"
				}
				return "", fmt.Errorf("%s", text)
			}
			return text, nil
		}
		_ = reg.Register(def, handler) // malformed upstream schema: tool just unavailable this turn
	}
	return reg
}

// pumpLegacyCallbacks drains sub and re-dispatches every Update to the
// teacher-shaped OnDelta/OnMessage/OnToolCall/OnUsage callbacks opts
// carries, preserving the exact observable sequence the original
// streamAndCollect/executeToolCalls implementation produced.
func pumpLegacyCallbacks(sub *bus.Subscription, opts ProcessTurnOptions, done chan<- struct{}) {
	defer close(done)
	for u := range sub.C() {
		switch v := u.(type) {
		case promptloop.StreamFrame:
			if opts.OnDelta != nil {
				if evt, ok := toProviderStreamEvent(v.Event); ok {
					opts.OnDelta(evt)
				}
			}
			if v.Event.Kind == streamproto.FinishStep && opts.OnUsage != nil {
				if v.Event.Usage.InputTokens > 0 || v.Event.Usage.OutputTokens > 0 {
					opts.OnUsage(v.Event.Usage.InputTokens, v.Event.Usage.OutputTokens)
				}
			}
		case promptloop.MessageAppended:
			if v.Message.Role == "assistant" && len(v.Message.ToolCalls) > 0 && opts.OnToolCall != nil {
				opts.OnToolCall()
			}
			if opts.OnMessage != nil {
				opts.OnMessage(v.Message)
			}
		case promptloop.ToolDispatched:
			if opts.OnMessage != nil {
				opts.OnMessage(provider.Message{
					Role:       "tool",
					Content:    v.Result,
					ToolCallID: v.ToolCallID,
					CreatedAt:  time.Now(),
				})
			}
		}
	}
}

// toProviderStreamEvent narrows a uniform streamproto.Event down to the
// subset of provider.StreamEvent shapes the legacy OnDelta callback ever
// switched on (content/reasoning deltas) — subagent callers never
// inspected tool-call-begin/delta events through this channel, only through
// the final ToolCalls on the emitted assistant message.
func toProviderStreamEvent(ev streamproto.Event) (provider.StreamEvent, bool) {
	switch ev.Kind {
	case streamproto.TextDelta:
		return provider.StreamEvent{Type: provider.EventContentDelta, Content: ev.Text}, true
	case streamproto.ReasoningDelta:
		return provider.StreamEvent{Type: provider.EventReasoningDelta, Content: ev.Text}, true
	default:
		return provider.StreamEvent{}, false
	}
}

// extractTextFromContent extracts text from MCP content blocks.
func extractTextFromContent(content []mcp.ContentBlock) string {
	var text string
	for _, block := range content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
