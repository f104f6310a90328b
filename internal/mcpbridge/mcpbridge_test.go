package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/registry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(nil)
	err := reg.Register(registry.Definition{Name: "echo", Description: "echoes input"},
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	t.Cleanup(b.Close)
	bridge := New(reg, "s1", b)
	r := chi.NewRouter()
	bridge.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestListToolsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	var result listToolsResult
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools list: %+v", result)
	}
}

func TestCallToolOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := NewHTTPUpstreamClient(srv.URL)
	res, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != `{"x":1}` {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNotificationsInitializedNoContent(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	resp, err := http.Post(srv.URL+"/message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestSSEStreamsBusUpdates(t *testing.T) {
	reg := registry.New(nil)
	b := bus.New()
	t.Cleanup(b.Close)
	bridge := New(reg, "s1", b)
	r := chi.NewRouter()
	bridge.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "bogus"})
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Error == nil || out.Error.Code != errMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", out.Error)
	}
}
