package streamproto

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out collecting events")
		}
	}
}

func TestTextFraming(t *testing.T) {
	mock := NewMockProvider("mock", EchoEvents("hello world"))
	ch, err := Stream(context.Background(), mock, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if events[0].Kind != TextStart {
		t.Fatalf("expected TextStart first, got %v", events[0].Kind)
	}
	if events[1].Kind != TextDelta || events[1].Text != "hello world" {
		t.Fatalf("unexpected delta event: %+v", events[1])
	}
	foundEnd := false
	foundFinish := false
	for _, ev := range events {
		if ev.Kind == TextEnd {
			foundEnd = true
		}
		if ev.Kind == FinishStep {
			foundFinish = true
			if ev.FinishReason != FinishEndTurn {
				t.Fatalf("expected FinishEndTurn, got %v", ev.FinishReason)
			}
			if ev.Usage.InputTokens != 10 || ev.Usage.OutputTokens != 5 {
				t.Fatalf("unexpected usage: %+v", ev.Usage)
			}
		}
	}
	if !foundEnd || !foundFinish {
		t.Fatalf("expected TextEnd and FinishStep in stream, got %+v", events)
	}
}

func TestToolCallFraming(t *testing.T) {
	mock := NewMockProvider("mock", ToolCallEvents("call_1", "read", `{"path":"a.go"}`))
	ch, err := Stream(context.Background(), mock, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if events[0].Kind != ToolCallStart || events[0].ToolCall.ID != "call_1" || events[0].ToolCall.Name != "read" {
		t.Fatalf("unexpected start event: %+v", events[0])
	}
	if events[1].Kind != ToolCallDelta || events[1].ToolCall.ID != "call_1" {
		t.Fatalf("expected delta to carry upsert id, got %+v", events[1])
	}

	last := events[len(events)-1]
	if last.Kind != FinishStep || last.FinishReason != FinishToolUse {
		t.Fatalf("expected FinishStep/FinishToolUse last, got %+v", last)
	}
}
