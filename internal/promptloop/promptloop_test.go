package promptloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/registry"
	"github.com/xonecas/opencoach/internal/streamproto"
)

// TestOneShotEcho mirrors spec.md §8 scenario 1: a provider with no tool
// calls produces exactly one assistant message and the turn ends.
func TestOneShotEcho(t *testing.T) {
	mock := streamproto.NewMockProvider("mock", streamproto.EchoEvents("hello there"))
	b := bus.New()
	sub := b.Subscribe(bus.SubscribeOptions{})

	cfg := Config{
		SessionID: "s1",
		Provider:  mock,
		Bus:       b,
		History:   []provider.Message{{Role: "user", Content: "say hi"}},
	}
	result, err := ProcessTurn(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if result.StepsUsed != 1 {
		t.Fatalf("expected 1 step, got %d", result.StepsUsed)
	}
	last := result.History[len(result.History)-1]
	if last.Role != "assistant" || last.Content != "hello there" {
		t.Fatalf("unexpected final message: %+v", last)
	}

	sawMessageAppended := false
	for i := 0; i < 20; i++ {
		select {
		case u := <-sub.C():
			if _, ok := u.(MessageAppended); ok {
				sawMessageAppended = true
			}
		default:
		}
	}
	if !sawMessageAppended {
		t.Fatal("expected a MessageAppended update to have been published")
	}
}

// stepLimitedProvider always returns a tool call, to exercise the step
// bound (spec.md §8 scenario 6).
type stepLimitedProvider struct{ calls int }

func (p *stepLimitedProvider) Name() string { return "steplimited" }
func (p *stepLimitedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	p.calls++
	if len(tools) == 0 {
		// final text-only call after step bound is hit
		ch := make(chan provider.StreamEvent, 2)
		ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "done summarizing"}
		ch <- provider.StreamEvent{Type: provider.EventDone}
		close(ch)
		return ch, nil
	}
	ch := make(chan provider.StreamEvent, 4)
	ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "c", ToolCallName: "noop"}
	ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: "{}"}
	ch <- provider.StreamEvent{Type: provider.EventDone}
	close(ch)
	return ch, nil
}
func (p *stepLimitedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *stepLimitedProvider) Close() error                                             { return nil }

func TestStepBoundTerminates(t *testing.T) {
	reg := registry.New(nil)
	if err := reg.Register(registry.Definition{Name: "noop"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		SessionID: "s1",
		Provider:  &stepLimitedProvider{},
		Registry:  reg,
		Tools:     []registry.Definition{{Name: "noop"}},
		History:   []provider.Message{{Role: "user", Content: "loop forever"}},
		MaxSteps:  3,
	}
	result, err := ProcessTurn(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if result.StepsUsed != 3 {
		t.Fatalf("expected exactly MaxSteps steps used, got %d", result.StepsUsed)
	}
	last := result.History[len(result.History)-1]
	if last.Content != "done summarizing" {
		t.Fatalf("expected final text-only summary, got %+v", last)
	}
}

func TestSubAgentDepthExceeded(t *testing.T) {
	mock := streamproto.NewMockProvider("mock", streamproto.EchoEvents("x"))
	_, err := ProcessTurn(context.Background(), Config{Provider: mock, Depth: MaxSubAgentDepth + 1})
	if err == nil {
		t.Fatal("expected error for depth exceeding MaxSubAgentDepth")
	}
}
