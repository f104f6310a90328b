package bus

import (
	"testing"
	"time"
)

type reasoningPayload struct{ reasoning bool }

func (r reasoningPayload) IsReasoning() bool { return r.reasoning }

func TestPublishFanOut(t *testing.T) {
	b := New()
	s1 := b.Subscribe(SubscribeOptions{})
	s2 := b.Subscribe(SubscribeOptions{})

	b.Publish("hello")

	for _, s := range []*Subscription{s1, s2} {
		select {
		case got := <-s.C():
			if got != "hello" {
				t.Fatalf("got %v, want hello", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	s := b.Subscribe(SubscribeOptions{})
	s.Unsubscribe()

	if _, ok := <-s.C(); ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestReasoningElidedByDefault(t *testing.T) {
	b := New()
	plain := b.Subscribe(SubscribeOptions{})
	withReasoning := b.Subscribe(SubscribeOptions{WithReasoning: true})

	b.Publish(reasoningPayload{reasoning: true})
	b.Publish("done")

	select {
	case got := <-plain.C():
		if got != "done" {
			t.Fatalf("expected reasoning update to be elided, got %v first", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case got := <-withReasoning.C():
		if got != (reasoningPayload{reasoning: true}) {
			t.Fatalf("expected reasoning update to be delivered, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	s := b.Subscribe(SubscribeOptions{BufferSize: 1})

	b.Publish("first")
	b.Publish("second")

	select {
	case got := <-s.C():
		if got != "second" {
			t.Fatalf("expected oldest update dropped, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestCloseUnblocksAllSubscribers(t *testing.T) {
	b := New()
	s := b.Subscribe(SubscribeOptions{})
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Fatal("expected channel closed after bus Close")
	}
}
