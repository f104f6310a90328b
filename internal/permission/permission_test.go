package permission

import (
	"context"
	"testing"
)

func TestMostSpecificLiteralWins(t *testing.T) {
	m := New([]Rule{
		{ToolPattern: "shell", Action: Ask},
		{ToolPattern: "shell:git status", Action: Allow},
	})
	a, err := m.Evaluate(context.Background(), Request{Tool: "shell:git status"})
	if err != nil {
		t.Fatal(err)
	}
	if a != Allow {
		t.Fatalf("expected Allow, got %v", a)
	}
}

func TestNoMatchDefaultsToDeny(t *testing.T) {
	m := New(nil)
	a, err := m.Evaluate(context.Background(), Request{Tool: "shell:rm -rf /"})
	if err != nil {
		t.Fatal(err)
	}
	if a != Deny {
		t.Fatalf("expected Deny by default, got %v", a)
	}
}

func TestAskTimeoutDefaultsToDeny(t *testing.T) {
	m := New([]Rule{{ToolPattern: "shell", Action: Ask}},
		WithAskTimeout(1), // effectively immediate
		WithAskFunc(func(ctx context.Context, req Request) (Action, bool, error) {
			<-ctx.Done()
			return Allow, false, nil
		}),
	)
	a, err := m.Evaluate(context.Background(), Request{Tool: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if a != Deny {
		t.Fatalf("expected Deny on ask timeout, got %v", a)
	}
}

func TestRememberCachesDecision(t *testing.T) {
	calls := 0
	m := New([]Rule{{ToolPattern: "shell", Action: Ask}},
		WithAskFunc(func(ctx context.Context, req Request) (Action, bool, error) {
			calls++
			return Allow, true, nil
		}),
	)
	req := Request{SessionID: "s1", Tool: "shell", Path: "/p"}
	for i := 0; i < 3; i++ {
		a, err := m.Evaluate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if a != Allow {
			t.Fatalf("expected Allow, got %v", a)
		}
	}
	if calls != 1 {
		t.Fatalf("expected ask invoked once due to remember cache, got %d", calls)
	}
}

func TestPathBoundBeatsToolOnly(t *testing.T) {
	m := New([]Rule{
		{ToolPattern: "edit", Action: Allow},
		{ToolPattern: "edit", PathPattern: "/project/secrets/**", Action: Deny},
	})
	a, err := m.Evaluate(context.Background(), Request{Tool: "edit", Path: "/project/secrets/api_key.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if a != Deny {
		t.Fatalf("expected Deny for path-bound rule, got %v", a)
	}
	a2, _ := m.Evaluate(context.Background(), Request{Tool: "edit", Path: "/project/main.go"})
	if a2 != Allow {
		t.Fatalf("expected Allow outside bound, got %v", a2)
	}
}

func TestDefaultsDenyBannedCommands(t *testing.T) {
	m := New(Defaults())
	a, err := m.Evaluate(context.Background(), Request{Tool: "Shell:sudo rm -rf /"})
	if err != nil {
		t.Fatal(err)
	}
	if a != Deny {
		t.Fatalf("expected Deny for sudo, got %v", a)
	}
}
