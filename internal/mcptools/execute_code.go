package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xonecas/opencoach/internal/mcp"
	"github.com/xonecas/opencoach/internal/sandbox"
)

// ExecuteCodeArgs are the arguments to the ExecuteCode tool.
type ExecuteCodeArgs struct {
	Command string `json:"command"`
}

// NewExecuteCodeTool creates the ExecuteCode tool definition.
func NewExecuteCodeTool() mcp.Tool {
	return mcp.Tool{
		Name: "ExecuteCode",
		Description: `Run a shell command through the session's sandbox instance (C6), separate from the project's own Shell tool.
The instance uses the passthrough backend: the command runs on the host, with only the sandbox timeout applied and no network or filesystem isolation.
The sandbox starts on first use and stays running across calls within the session; a SandboxStop/SandboxRestart action from the frontend tears it down or replaces it.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to execute inside the sandbox"}
			},
			"required": ["command"]
		}`),
	}
}

// ExecuteCodeHandler handles ExecuteCode tool calls and the SandboxStart/
// SandboxStop/SandboxRestart lifecycle actions, both against the same
// lazily-created per-session sandbox.Instance.
//
// Grounded on original_source/crates/wonopcode-sandbox/src/lib.rs's bare
// SandboxManager::execute() entry point, which the upstream never wired to
// a dedicated tool either — this handler is that missing wiring, backed by
// internal/sandbox's already-complete Manager/Backend/Instance state
// machine (itself adapted from haasonsaas-nexus's sandbox executor).
type ExecuteCodeHandler struct {
	mgr         *sandbox.Manager
	backendName string

	mu   sync.Mutex
	inst *sandbox.Instance
}

// NewExecuteCodeHandler creates a handler backed by mgr, defaulting new
// instances to the passthrough backend. mgr may be nil, in which case every
// call (tool or lifecycle) fails with a clear error instead of panicking.
func NewExecuteCodeHandler(mgr *sandbox.Manager) *ExecuteCodeHandler {
	return &ExecuteCodeHandler{mgr: mgr, backendName: "passthrough"}
}

// ensureInstance lazily creates and starts this session's sandbox instance
// on first use — spec.md §3's instances are never auto-started at session
// build, only in response to an actual ExecuteCode call or a SandboxStart
// action.
func (h *ExecuteCodeHandler) ensureInstance(ctx context.Context) (*sandbox.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inst != nil {
		return h.inst, nil
	}
	if h.mgr == nil {
		return nil, fmt.Errorf("execute_code: no sandbox manager configured for this session")
	}
	inst, err := h.mgr.CreateInstance(ctx, h.backendName, sandbox.DefaultCapabilities)
	if err != nil {
		return nil, err
	}
	if err := inst.Start(ctx); err != nil {
		return nil, err
	}
	h.inst = inst
	return inst, nil
}

// Handle implements the mcp.ToolHandler interface.
func (h *ExecuteCodeHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args ExecuteCodeArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Command == "" {
		return toolError("command is required"), nil
	}

	inst, err := h.ensureInstance(ctx)
	if err != nil {
		return toolError("Failed to start sandbox: %v", err), nil
	}

	res, err := inst.Exec(ctx, sandbox.ExecRequest{Command: []string{"sh", "-c", args.Command}})
	if err != nil {
		return toolError("Sandbox execution failed: %v", err), nil
	}

	output := formatShellOutput(res.Stdout, res.Stderr, res.ExitCode, nil)
	if res.TimedOut {
		output += "[sandbox command timed out]\n"
	}
	if output == "" {
		output = "(no output)\n"
	}
	if len([]rune(output)) > maxOutputChars {
		output = truncateMiddle(output, maxOutputChars)
	}

	if res.ExitCode != 0 {
		return &mcp.ToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: output}},
			IsError: true,
		}, nil
	}
	return toolText(output), nil
}

// Start ensures the session's sandbox instance exists and is running,
// backing the SandboxStart action. It returns the instance's resulting
// state for the SandboxUpdated Update.
func (h *ExecuteCodeHandler) Start(ctx context.Context) (string, error) {
	inst, err := h.ensureInstance(ctx)
	if err != nil {
		return sandbox.Errored.String(), err
	}
	return inst.State().String(), nil
}

// Stop tears down the session's sandbox instance, if any, backing the
// SandboxStop action.
func (h *ExecuteCodeHandler) Stop(ctx context.Context) (string, error) {
	h.mu.Lock()
	inst := h.inst
	h.mu.Unlock()
	if inst == nil {
		return sandbox.Stopped.String(), nil
	}
	if err := inst.Stop(ctx); err != nil {
		return sandbox.Errored.String(), err
	}
	return inst.State().String(), nil
}

// Restart stops the current instance, if any, and immediately creates and
// starts a fresh one — an Instance can't leave Stopped once stopped, so
// Restart can't resume the same one. Backs the SandboxRestart action.
func (h *ExecuteCodeHandler) Restart(ctx context.Context) (string, error) {
	if _, err := h.Stop(ctx); err != nil {
		return sandbox.Errored.String(), err
	}
	h.mu.Lock()
	h.inst = nil
	h.mu.Unlock()
	return h.Start(ctx)
}
