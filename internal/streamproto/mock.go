package streamproto

import (
	"context"

	"github.com/xonecas/opencoach/internal/provider"
)

// MockProvider is a test double implementing provider.Provider directly (as
// opposed to the teacher's internal/provider/mock.go, which implements a
// stale Chat/ChatWithTools/Stream shape that predates the current
// ChatStream/ListModels/Close interface and was not copied forward — see
// DESIGN.md).
type MockProvider struct {
	name   string
	events []provider.StreamEvent
}

// NewMockProvider creates a provider that replays events on every
// ChatStream call, regardless of input.
func NewMockProvider(name string, events []provider.StreamEvent) *MockProvider {
	return &MockProvider{name: name, events: events}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, len(m.events))
	go func() {
		defer close(ch)
		for _, ev := range m.events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

func (m *MockProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return []provider.Model{{Name: m.name + "-mock"}}, nil
}

func (m *MockProvider) Close() error { return nil }

// EchoEvents builds the provider.StreamEvent sequence for a one-shot text
// response, used by promptloop's "one-shot echo" scenario test.
func EchoEvents(text string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Type: provider.EventContentDelta, Content: text},
		{Type: provider.EventUsage, InputTokens: 10, OutputTokens: 5},
		{Type: provider.EventDone},
	}
}

// ToolCallEvents builds the provider.StreamEvent sequence for a single
// complete tool call.
func ToolCallEvents(id, name, argsJSON string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: id, ToolCallName: name},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: argsJSON},
		{Type: provider.EventUsage, InputTokens: 10, OutputTokens: 5},
		{Type: provider.EventDone},
	}
}
