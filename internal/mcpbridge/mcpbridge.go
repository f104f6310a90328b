// Package mcpbridge implements the MCP Bridge (SPEC_FULL.md C10): an
// HTTP+SSE facade that exposes the Tool Registry as the JSON-RPC method
// triad `initialize` / `tools/list` / `tools/call`, plus the SSE transport
// half (`GET /sse` + `POST /message`, `notifications/initialized`) real MCP
// clients speak — the same surface the teacher's internal/mcp package
// consumes against upstream servers, served here in the other direction.
//
// Grounded on internal/mcp/types.go's Request/Response/Error/Tool/
// ToolCall/ToolResult wire shapes and internal/mcp/proxy.go's upstream
// client half (HasUpstream, callUpstreamWithRetry) for the client-side
// mirror; route naming follows the mark3labs/mcp-go convention confirmed
// via kadirpekel-hector's direct dependency on that library. The SSE loop
// and notifications/initialized handshake are grounded on
// original_source/crates/wonopcode-mcp/src/client.rs, which opens an SSE
// transport and sends that notification immediately after initialize
// completes; internal/backend/remote_server.go's handleUpdates supplies the
// Go-idiomatic flusher/event-stream loop shape.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/registry"
	"github.com/xonecas/opencoach/internal/update"
)

// rpcRequest/rpcResponse mirror internal/mcp/types.go's Request/Response.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	errParseError     = -32700
	errMethodNotFound = -32601
	errInvalidParams  = -32602
	errInternalError  = -32603
)

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Bridge serves the Tool Registry over JSON-RPC, one method per HTTP POST,
// plus an SSE stream of the same session bus remote Backend clients (C11)
// subscribe to — so an MCP client attached to `GET /sse` sees the same
// ToolDispatched/PermissionAsked/etc. updates a remote frontend would.
type Bridge struct {
	reg       *registry.Registry
	sessionID string
	bus       *bus.Bus
}

// New creates a Bridge serving reg's tools for a given session ID (used
// for permission evaluation inside registry.Dispatch). b may be nil, in
// which case the SSE endpoint answers 503 Service Unavailable.
func New(reg *registry.Registry, sessionID string, b *bus.Bus) *Bridge {
	return &Bridge{reg: reg, sessionID: sessionID, bus: b}
}

// Routes mounts the bridge's JSON-RPC and SSE endpoints on r. /mcp is kept
// as an alias of /message for HTTPUpstreamClient and any existing caller
// that already points at it.
func (b *Bridge) Routes(r chi.Router) {
	r.Post("/mcp", b.handleRPC)
	r.Post("/message", b.handleRPC)
	r.Get("/sse", b.handleSSE)
}

func (b *Bridge) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: errParseError, Message: err.Error()}})
		return
	}

	switch req.Method {
	case "initialize":
		writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}}}`)})
	case "notifications/initialized":
		// A notification carries no ID and gets no JSON-RPC response —
		// it just confirms the client finished processing `initialize`.
		log.Info().Str("session", b.sessionID).Msg("mcpbridge: client initialized")
		w.WriteHeader(http.StatusNoContent)
	case "tools/list":
		b.handleListTools(w, req)
	case "tools/call":
		b.handleCallTool(w, req)
	default:
		writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: errMethodNotFound, Message: "unknown method " + req.Method}})
	}
}

// handleSSE streams the session's bus as Server-Sent Events, mirroring
// internal/backend/remote_server.go's handleUpdates — an MCP client that
// opened the SSE transport (rather than a raw POST/POST pairing) gets the
// same Update feed a remote frontend backend sees.
func (b *Bridge) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if b.bus == nil {
		http.Error(w, "no event bus for this session", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := b.bus.Subscribe(bus.SubscribeOptions{})
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			env, err := update.FromBusUpdate(u)
			if err != nil {
				log.Warn().Err(err).Msg("mcpbridge: dropping update with no wire mapping")
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}

func (b *Bridge) handleListTools(w http.ResponseWriter, req rpcRequest) {
	defs := b.reg.List()
	tools := make([]toolDescriptor, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, toolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.Schema})
	}
	result, _ := json.Marshal(listToolsResult{Tools: tools})
	writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (b *Bridge) handleCallTool(w http.ResponseWriter, req rpcRequest) {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: errInvalidParams, Message: err.Error()}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	command, path := registry.ExtractCallFields(params.Name, params.Arguments)
	res, err := b.reg.Dispatch(ctx, b.sessionID, params.Name, command, path, params.Arguments)
	if err != nil {
		writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: errInternalError, Message: err.Error()}})
		return
	}

	result, _ := json.Marshal(callToolResult{
		Content: []contentBlock{{Type: "text", Text: res.Text}},
		IsError: res.IsError,
	})
	writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("mcpbridge: failed to write response")
	}
}

// UpstreamClient mirrors internal/mcp/types.go's UpstreamClient interface
// — the shape a bridge-consuming client (or the runtime acting as a client
// of someone else's MCP server) implements.
type UpstreamClient interface {
	Initialize(ctx context.Context, clientInfo map[string]any) error
	ListTools(ctx context.Context) ([]toolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (callToolResult, error)
}

// HTTPUpstreamClient calls another opencoach (or any MCP-over-HTTP)
// bridge as an upstream tool source, mirroring internal/mcp/proxy.go's
// callUpstreamWithRetry backoff schedule.
type HTTPUpstreamClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUpstreamClient creates a client against baseURL (e.g.
// "http://localhost:4096").
func NewHTTPUpstreamClient(baseURL string) *HTTPUpstreamClient {
	return &HTTPUpstreamClient{baseURL: baseURL, client: http.DefaultClient}
}

func (c *HTTPUpstreamClient) call(ctx context.Context, method string, params any) (rpcResponse, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return rpcResponse{}, err
		}
		raw = data
	}
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
	if err != nil {
		return rpcResponse{}, err
	}

	delays := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytesReader(reqBody))
		if err != nil {
			return rpcResponse{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
		} else {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				lastErr = fmt.Errorf("upstream rate limited (status %d)", resp.StatusCode)
			} else {
				var out rpcResponse
				if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
					return rpcResponse{}, decErr
				}
				return out, nil
			}
		}
		if attempt < len(delays) {
			select {
			case <-ctx.Done():
				return rpcResponse{}, ctx.Err()
			case <-time.After(delays[attempt]):
			}
		}
	}
	return rpcResponse{}, fmt.Errorf("mcpbridge: upstream call failed after retries: %w", lastErr)
}

func (c *HTTPUpstreamClient) Initialize(ctx context.Context, clientInfo map[string]any) error {
	_, err := c.call(ctx, "initialize", map[string]any{"clientInfo": clientInfo})
	return err
}

func (c *HTTPUpstreamClient) ListTools(ctx context.Context) ([]toolDescriptor, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcpbridge: %s", resp.Error.Message)
	}
	var out listToolsResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *HTTPUpstreamClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (callToolResult, error) {
	resp, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return callToolResult{}, err
	}
	if resp.Error != nil {
		return callToolResult{}, fmt.Errorf("mcpbridge: %s", resp.Error.Message)
	}
	var out callToolResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return callToolResult{}, err
	}
	return out, nil
}
