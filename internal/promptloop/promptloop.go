// Package promptloop implements the Prompt Loop (SPEC_FULL.md C9): the
// step-bounded driver that streams a provider's response, collects tool
// calls, dispatches them through the Tool Registry, and publishes every
// step as an Update on the Event Bus.
//
// Grounded on internal/llm/loop.go's ProcessTurnOptions/ProcessTurn,
// toolCallAccumulator, collectWithDeltas, executeToolCalls,
// injectRecitation, repeat-call detection, MaxDepth, and reminderInterval
// — the teacher's loop already has nearly every shape this component
// needs. Generalized to publish through internal/bus instead of returning
// a single synchronous result, and to dispatch tool calls through
// internal/registry (permission + schema validation) instead of calling
// internal/mcp.Proxy directly.
package promptloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/registry"
	"github.com/xonecas/opencoach/internal/streamproto"
)

// MaxSubAgentDepth bounds recursive sub-agent spawns, matching the
// teacher's internal/subagent.MaxSubAgentDepth.
const MaxSubAgentDepth = 1

// defaultMaxSteps is spec.md's configurable step bound; 100 balances
// "enough room for a real multi-tool task" against "a runaway loop burns a
// bounded amount of provider spend before the hard stop kicks in".
const defaultMaxSteps = 100

// reminderInterval mirrors the teacher's goal-recitation cadence.
const reminderInterval = 10

var tracer = otel.Tracer("opencoach/promptloop")

// ScratchpadReader provides read access to the agent's working plan.
type ScratchpadReader interface {
	Content() string
}

// Config configures one ProcessTurn call.
type Config struct {
	SessionID  string
	Provider   provider.Provider
	Registry   *registry.Registry
	Tools      []registry.Definition
	History    []provider.Message
	Bus        *bus.Bus
	Scratchpad ScratchpadReader
	MaxSteps   int // 0 = defaultMaxSteps
	Depth      int // 0 = root agent, >0 = sub-agent
	// CompactionThreshold is the fraction (0,1] of a model's context window
	// at which the loop compacts history before the next provider call.
	// 0 (the zero value) disables compaction. See DESIGN.md Open Question #3.
	CompactionThreshold float64
	ContextWindowTokens int
	Compact             func(history []provider.Message) []provider.Message
}

// Result is what ProcessTurn returns once the turn concludes (no more tool
// calls, or the step bound was reached and a final text-only reply was
// produced).
type Result struct {
	History      []provider.Message
	StepsUsed    int
	FinishReason streamproto.FinishReason
}

type recentCall struct {
	Name string
	Args string
}

// ProcessTurn drives one conversation turn to completion, publishing a
// bus.Update for every stream frame and tool dispatch along the way.
func ProcessTurn(ctx context.Context, cfg Config) (Result, error) {
	ctx, span := tracer.Start(ctx, "promptloop.ProcessTurn")
	defer span.End()

	if cfg.Depth > MaxSubAgentDepth {
		return Result{}, fmt.Errorf("promptloop: max sub-agent depth exceeded: %d > %d", cfg.Depth, MaxSubAgentDepth)
	}
	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}

	providerTools := make([]provider.Tool, len(cfg.Tools))
	for i, t := range cfg.Tools {
		providerTools[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.Schema}
	}

	history := cfg.History
	var recent []recentCall
	finish := streamproto.FinishEndTurn

	for step := 0; step < maxSteps; step++ {
		if cfg.CompactionThreshold > 0 && cfg.Compact != nil && cfg.ContextWindowTokens > 0 {
			if approxTokens(history) > int(float64(cfg.ContextWindowTokens)*cfg.CompactionThreshold) {
				before := len(history)
				history = cfg.Compact(history)
				log.Info().Int("before", before).Int("after", len(history)).Msg("promptloop: compacted history")
			}
		}

		injectRecitation(history, cfg.Scratchpad, step)

		resp, err := streamStep(ctx, cfg, history, providerTools)
		if err != nil {
			if cfg.Bus != nil {
				cfg.Bus.Publish(StepError{SessionID: cfg.SessionID, Err: err})
			}
			return Result{History: history, StepsUsed: step + 1}, err
		}

		assistant := provider.Message{
			Role:         "assistant",
			Content:      resp.Content,
			Reasoning:    resp.Reasoning,
			ToolCalls:    resp.ToolCalls,
			CreatedAt:    time.Now(),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}
		history = append(history, assistant)
		if cfg.Bus != nil {
			cfg.Bus.Publish(MessageAppended{SessionID: cfg.SessionID, Message: assistant})
		}

		if len(resp.ToolCalls) == 0 {
			return Result{History: history, StepsUsed: step + 1, FinishReason: streamproto.FinishEndTurn}, nil
		}

		toolResults := dispatchToolCalls(ctx, cfg, resp.ToolCalls)
		history = append(history, toolResults...)

		for _, tc := range resp.ToolCalls {
			recent = append(recent, recentCall{Name: tc.Name, Args: string(tc.Arguments)})
		}
		if len(recent) >= 3 {
			last3 := recent[len(recent)-3:]
			if last3[0] == last3[1] && last3[1] == last3[2] && len(toolResults) > 0 {
				last := &history[len(history)-1]
				last.Content += "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
			}
		}

		finish = streamproto.FinishToolUse
	}

	if err := ctx.Err(); err != nil {
		return Result{History: history, StepsUsed: maxSteps}, err
	}

	limitMsg := provider.Message{
		Role:      "user",
		Content:   "You have exhausted your step limit for this turn. Respond in text only. Summarize what you accomplished and what remains.",
		CreatedAt: time.Now(),
	}
	history = append(history, limitMsg)
	if cfg.Bus != nil {
		cfg.Bus.Publish(MessageAppended{SessionID: cfg.SessionID, Message: limitMsg})
	}

	resp, err := streamStep(ctx, cfg, history, nil)
	if err != nil {
		return Result{History: history, StepsUsed: maxSteps}, fmt.Errorf("promptloop: final text-only call: %w", err)
	}
	assistant := provider.Message{Role: "assistant", Content: resp.Content, CreatedAt: time.Now()}
	history = append(history, assistant)
	if cfg.Bus != nil {
		cfg.Bus.Publish(MessageAppended{SessionID: cfg.SessionID, Message: assistant})
	}
	_ = finish
	return Result{History: history, StepsUsed: maxSteps, FinishReason: streamproto.FinishMaxTokens}, nil
}

// streamStep runs one provider call, publishing every uniform stream event
// on the bus and assembling the equivalent of the teacher's ChatResponse.
func streamStep(ctx context.Context, cfg Config, history []provider.Message, tools []provider.Tool) (*provider.ChatResponse, error) {
	const maxEmptyRetries = 1

	for attempt := 0; attempt <= maxEmptyRetries; attempt++ {
		ch, err := streamproto.Stream(ctx, cfg.Provider, history, tools)
		if err != nil {
			return nil, err
		}
		resp, err := collect(ctx, cfg, ch)
		if err != nil {
			return nil, err
		}
		if !isEmptyResponse(resp) {
			return resp, nil
		}
		log.Warn().Str("provider", cfg.Provider.Name()).Int("attempt", attempt+1).Msg("promptloop: empty response from provider")
	}
	return nil, fmt.Errorf("promptloop: empty response from provider %s", cfg.Provider.Name())
}

func isEmptyResponse(resp *provider.ChatResponse) bool {
	return resp == nil || (resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0)
}

// collect drains the uniform event stream into a ChatResponse, publishing
// each event on the bus as it arrives.
func collect(ctx context.Context, cfg Config, ch <-chan streamproto.Event) (*provider.ChatResponse, error) {
	var result provider.ChatResponse
	calls := make(map[string]*provider.ToolCall)
	var order []string

	for ev := range ch {
		if cfg.Bus != nil {
			cfg.Bus.Publish(StreamFrame{SessionID: cfg.SessionID, Event: ev})
		}
		switch ev.Kind {
		case streamproto.TextDelta:
			result.Content += ev.Text
		case streamproto.ReasoningDelta:
			result.Reasoning += ev.Text
		case streamproto.ToolCallStart:
			tc := &provider.ToolCall{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name}
			calls[ev.ToolCall.ID] = tc
			order = append(order, ev.ToolCall.ID)
		case streamproto.ToolCallDelta:
			if tc, ok := calls[ev.ToolCall.ID]; ok {
				tc.Arguments = json.RawMessage(string(tc.Arguments) + ev.ToolCall.Arguments)
			}
		case streamproto.ToolCall:
			tc := &provider.ToolCall{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Arguments: json.RawMessage(ev.ToolCall.Arguments)}
			if _, ok := calls[ev.ToolCall.ID]; !ok {
				order = append(order, ev.ToolCall.ID)
			}
			calls[ev.ToolCall.ID] = tc
		case streamproto.FinishStep:
			result.InputTokens = ev.Usage.InputTokens
			result.OutputTokens = ev.Usage.OutputTokens
		case streamproto.Error:
			return nil, ev.Err
		}
	}

	for _, id := range order {
		result.ToolCalls = append(result.ToolCalls, *calls[id])
	}
	return &result, nil
}

// dispatchToolCalls routes each tool call through the registry (which
// itself applies permission and schema checks) and turns the outcome into
// a "tool" role history message, publishing a ToolDispatched Update for
// each.
func dispatchToolCalls(ctx context.Context, cfg Config, toolCalls []provider.ToolCall) []provider.Message {
	out := make([]provider.Message, 0, len(toolCalls))
	for _, tc := range toolCalls {
		command, path := registry.ExtractCallFields(tc.Name, tc.Arguments)
		res, err := cfg.Registry.Dispatch(ctx, cfg.SessionID, tc.Name, command, path, tc.Arguments)
		var content string
		switch {
		case err != nil:
			content = fmt.Sprintf("Error: %v", err)
		case res.IsError:
			content = res.Text
		default:
			content = res.Text
		}
		msg := provider.Message{Role: "tool", Content: content, ToolCallID: tc.ID, CreatedAt: time.Now()}
		out = append(out, msg)
		if cfg.Bus != nil {
			cfg.Bus.Publish(ToolDispatched{SessionID: cfg.SessionID, ToolCallID: tc.ID, ToolName: tc.Name, Result: content, IsError: err != nil || res.IsError})
		}
	}
	return out
}

// injectRecitation keeps the model anchored to its goal during long tool
// loops, identical in spirit to the teacher's function of the same name.
func injectRecitation(history []provider.Message, pad ScratchpadReader, step int) {
	if step == 0 || step%reminderInterval != 0 {
		return
	}
	var reminder string
	if pad != nil {
		reminder = pad.Content()
	}
	if reminder == "" {
		for _, m := range history {
			if m.Role == "user" {
				reminder = "The user's request: " + m.Content
				break
			}
		}
	}
	if reminder == "" {
		return
	}
	tag := "\n\n<system-reminder>\n"
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "tool" {
			if idx := strings.Index(history[i].Content, tag); idx >= 0 {
				history[i].Content = history[i].Content[:idx]
			}
			history[i].Content += tag + reminder + "\n</system-reminder>"
			return
		}
	}
}

// approxTokens estimates token count as characters/4, a rough heuristic
// good enough to decide whether to compact — exact accounting comes from
// provider-reported usage after each real call.
func approxTokens(history []provider.Message) int {
	total := 0
	for _, m := range history {
		total += (len(m.Content) + len(m.Reasoning)) / 4
	}
	return total
}
