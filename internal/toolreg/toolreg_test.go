package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/opencoach/internal/errkind"
	"github.com/xonecas/opencoach/internal/filetime"
	"github.com/xonecas/opencoach/internal/permission"
	"github.com/xonecas/opencoach/internal/shell"
	"github.com/xonecas/opencoach/internal/store"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	return Deps{
		Tracker: filetime.New(),
		Shell:   shell.New(dir, shell.DefaultBlockFuncs()),
		WebCache: func() *store.Cache {
			c, err := store.Open(filepath.Join(dir, "cache.db"), time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			return c
		}(),
		SessionID: "s1",
	}
}

func TestBuildRegistersEveryTool(t *testing.T) {
	deps := testDeps(t)
	set, err := Build(deps)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"Read", "Edit", "Shell", "Grep", "GitStatus", "GitDiff", "WebFetch", "WebSearch", "TodoWrite", "SubAgent", "ExecuteCode"}
	for _, name := range want {
		if !set.Registry.Has(name) {
			t.Errorf("expected tool %q to be registered", name)
		}
	}
}

func TestReadDispatchRoundtrip(t *testing.T) {
	deps := testDeps(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := Build(deps)
	if err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(map[string]string{"file": file})
	res, err := set.Registry.Dispatch(context.Background(), "s1", "Read", "", file, args)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text)
	}
}

func TestDeniedToolNeverReachesHandler(t *testing.T) {
	deps := testDeps(t)
	deps.Perm = permission.New([]permission.Rule{{ToolPattern: "Shell*", Action: permission.Deny}})

	set, err := Build(deps)
	if err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(map[string]string{"command": "echo hi", "description": "test"})
	_, err = set.Registry.Dispatch(context.Background(), "s1", "Shell", "echo hi", "", args)
	if !errors.Is(err, errkind.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestSetTurnBeforeAnyToolCall(t *testing.T) {
	deps := testDeps(t)
	set, err := Build(deps)
	if err != nil {
		t.Fatal(err)
	}
	// SetTurn must not panic when turn-scoped handlers have never run a
	// tool call yet; it just stages the turn ID for the next capture.
	set.SetTurn(7)
}
