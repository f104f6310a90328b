package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xonecas/opencoach/internal/errkind"
	"github.com/xonecas/opencoach/internal/permission"
)

func TestDispatchRejectsUnknownTool(t *testing.T) {
	r := New(nil)
	_, err := r.Dispatch(context.Background(), "s1", "nope", "", "", json.RawMessage(`{}`))
	if !errors.Is(err, errkind.Validation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestDispatchValidatesSchema(t *testing.T) {
	r := New(nil)
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	err := r.Register(Definition{Name: "read", Schema: schema}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Dispatch(context.Background(), "s1", "read", "", "", json.RawMessage(`{}`))
	if !errors.Is(err, errkind.Validation) {
		t.Fatalf("expected Validation error for missing required field, got %v", err)
	}

	res, err := r.Dispatch(context.Background(), "s1", "read", "", "", json.RawMessage(`{"path":"a.go"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ok" {
		t.Fatalf("got %q", res.Text)
	}
}

func TestDispatchDeniedByPermission(t *testing.T) {
	perm := permission.New([]permission.Rule{{ToolPattern: "shell", Action: permission.Deny}})
	r := New(perm)
	err := r.Register(Definition{Name: "shell", Mutating: true}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "should not run", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Dispatch(context.Background(), "s1", "shell", "rm -rf /", "", json.RawMessage(`{}`))
	if !errors.Is(err, errkind.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestHandlerErrorBecomesIsErrorResult(t *testing.T) {
	r := New(nil)
	err := r.Register(Definition{Name: "fail"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", errors.New("boom")
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Dispatch(context.Background(), "s1", "fail", "", "", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Text != "boom" {
		t.Fatalf("got %+v", res)
	}
}
