package sandbox

import (
	"context"
	"strings"
	"testing"
)

func TestLifecycleNeverAutoStarts(t *testing.T) {
	m := NewManager()
	m.RegisterBackend(NewPassthroughBackend())

	inst, err := m.CreateInstance(context.Background(), "passthrough", DefaultCapabilities)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State() != Uninit {
		t.Fatalf("expected Uninit immediately after create, got %v", inst.State())
	}

	if _, err := inst.Exec(context.Background(), ExecRequest{Command: []string{"echo", "hi"}}); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning before Start, got %v", err)
	}
}

func TestStartRunStop(t *testing.T) {
	m := NewManager()
	m.RegisterBackend(NewPassthroughBackend())
	inst, err := m.CreateInstance(context.Background(), "passthrough", DefaultCapabilities)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inst.State() != Running {
		t.Fatalf("expected Running, got %v", inst.State())
	}

	res, err := inst.Exec(context.Background(), ExecRequest{Command: []string{"echo", "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("expected stdout to contain hello, got %q", res.Stdout)
	}

	if err := inst.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !inst.ExplicitlyStopped() {
		t.Fatal("expected ExplicitlyStopped true after Stop")
	}
	if inst.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", inst.State())
	}
}

func TestDoubleStartErrors(t *testing.T) {
	m := NewManager()
	m.RegisterBackend(NewPassthroughBackend())
	inst, _ := m.CreateInstance(context.Background(), "passthrough", DefaultCapabilities)
	if err := inst.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := inst.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	m := NewManager()
	if _, err := m.CreateInstance(context.Background(), "nope", DefaultCapabilities); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
