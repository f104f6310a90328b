// Package toolreg wires every internal/mcptools tool into a Tool Registry
// (C7) gated by a Permission Manager (C3), the way cmd/opencoach builds one
// registry per session.
//
// Grounded on the teacher's cmd/symb wiring (since deleted — it built a
// *mcp.Proxy by calling every mcptools constructor in sequence and
// registering the result); toolreg does the same construction but targets
// internal/registry.Registry instead of internal/mcp.Proxy, since the
// Registry is what adds JSON-schema validation and permission gating ahead
// of the handler.
package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/xonecas/opencoach/internal/delta"
	"github.com/xonecas/opencoach/internal/filetime"
	"github.com/xonecas/opencoach/internal/lsp"
	"github.com/xonecas/opencoach/internal/mcp"
	"github.com/xonecas/opencoach/internal/mcptools"
	"github.com/xonecas/opencoach/internal/metrics"
	"github.com/xonecas/opencoach/internal/permission"
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/registry"
	"github.com/xonecas/opencoach/internal/sandbox"
	"github.com/xonecas/opencoach/internal/shell"
	"github.com/xonecas/opencoach/internal/snapshot"
	"github.com/xonecas/opencoach/internal/store"
	"github.com/xonecas/opencoach/internal/treesitter"
)

// Deps collects everything needed to build one session's tool set.
// LSPManager, TSIndex, Snapshots, Perm, WebCache, and ExaAPIKey may all be
// left zero-valued; every mcptools handler treats them as optional.
type Deps struct {
	Tracker      *filetime.Tracker
	LSPManager   *lsp.Manager
	TSIndex      *treesitter.Index
	DeltaTracker *delta.Tracker
	Snapshots    *snapshot.Store
	SessionID    string
	Shell        *shell.Shell
	WebCache     *store.Cache
	ExaAPIKey    string
	Provider     provider.Provider
	Perm         *permission.Manager
	Metrics      *metrics.Metrics
	Sandboxes    *sandbox.Manager
}

// Set is a built Registry plus the handles cmd/opencoach needs to advance
// turn-scoped state (C4 snapshot capture) once per submitted prompt.
type Set struct {
	Registry *registry.Registry

	edit     *mcptools.EditHandler
	shell    *mcptools.ShellHandler
	subagent *mcptools.SubAgentHandler
	sandbox  *mcptools.ExecuteCodeHandler
}

// Sandbox exposes the session's ExecuteCode handler so cmd/opencoach's
// action dispatch can drive its Start/Stop/Restart lifecycle from
// SandboxStart/SandboxStop/SandboxRestart actions.
func (s *Set) Sandbox() *mcptools.ExecuteCodeHandler { return s.sandbox }

// SetTurn advances every turn-scoped tool handler to turnID. Call once per
// user-submitted prompt, before the prompt loop dispatches any tool calls
// for that turn, so Edit's, Shell's (and any nested SubAgent Edit's)
// snapshot captures land under the right turn.
func (s *Set) SetTurn(turnID int64) {
	s.edit.SetTurn(turnID)
	s.shell.SetTurn(turnID)
	s.subagent.SetTurn(turnID)
	s.Registry.SetTurn(turnID)
}

// Build constructs every mcptools handler and registers it with a fresh
// Registry gated by deps.Perm.
func Build(deps Deps) (*Set, error) {
	r := registry.New(deps.Perm).WithMetrics(deps.Metrics).WithSnapshots(deps.Snapshots).WithFileTime(deps.Tracker)

	readHandler := mcptools.NewReadHandler(deps.Tracker, deps.LSPManager)
	readHandler.SetTSIndex(deps.TSIndex)

	editHandler := mcptools.NewEditHandler(deps.Tracker, deps.LSPManager, deps.DeltaTracker, deps.Snapshots, deps.SessionID)
	editHandler.SetTSIndex(deps.TSIndex)

	shellHandler := mcptools.NewShellHandler(deps.Shell, deps.DeltaTracker, deps.Tracker, deps.Snapshots, deps.SessionID)
	pad := &mcptools.Scratchpad{}

	readTool := mcptools.NewReadTool()
	editTool := mcptools.NewEditTool()
	shellTool := mcptools.NewShellTool()
	grepTool := mcptools.NewGrepTool()
	gitStatusTool := mcptools.NewGitStatusTool()
	gitDiffTool := mcptools.NewGitDiffTool()
	webFetchTool := mcptools.NewWebFetchTool()
	webSearchTool := mcptools.NewWebSearchTool()
	todoTool := mcptools.NewTodoWriteTool()
	subAgentTool := mcptools.NewSubAgentTool()
	executeCodeTool := mcptools.NewExecuteCodeTool()
	executeCodeHandler := mcptools.NewExecuteCodeHandler(deps.Sandboxes)

	// allTools is also what SubAgentHandler filters (minus SubAgent itself)
	// to build its own nested proxy.
	allTools := []mcp.Tool{
		readTool, editTool, shellTool, grepTool,
		gitStatusTool, gitDiffTool, webFetchTool, webSearchTool,
		todoTool, subAgentTool, executeCodeTool,
	}

	subagentHandler := mcptools.NewSubAgentHandler(
		deps.Provider, deps.LSPManager, deps.DeltaTracker, deps.Shell,
		deps.WebCache, deps.ExaAPIKey, allTools, deps.Snapshots, deps.SessionID,
	)

	entries := []struct {
		def     registry.Definition
		handler mcp.ToolHandler
	}{
		{registry.Definition{Name: readTool.Name, Description: readTool.Description, Schema: readTool.InputSchema}, readHandler.Handle},
		{registry.Definition{Name: editTool.Name, Description: editTool.Description, Schema: editTool.InputSchema, Mutating: true}, editHandler.Handle},
		{registry.Definition{Name: shellTool.Name, Description: shellTool.Description, Schema: shellTool.InputSchema, Mutating: true}, shellHandler.Handle},
		{registry.Definition{Name: grepTool.Name, Description: grepTool.Description, Schema: grepTool.InputSchema}, mcptools.MakeGrepHandler()},
		{registry.Definition{Name: gitStatusTool.Name, Description: gitStatusTool.Description, Schema: gitStatusTool.InputSchema}, mcptools.MakeGitStatusHandler()},
		{registry.Definition{Name: gitDiffTool.Name, Description: gitDiffTool.Description, Schema: gitDiffTool.InputSchema}, mcptools.MakeGitDiffHandler()},
		{registry.Definition{Name: webFetchTool.Name, Description: webFetchTool.Description, Schema: webFetchTool.InputSchema}, mcptools.MakeWebFetchHandler(deps.WebCache)},
		{registry.Definition{Name: webSearchTool.Name, Description: webSearchTool.Description, Schema: webSearchTool.InputSchema}, mcptools.MakeWebSearchHandler(deps.WebCache, deps.ExaAPIKey, "")},
		{registry.Definition{Name: todoTool.Name, Description: todoTool.Description, Schema: todoTool.InputSchema}, mcptools.MakeTodoWriteHandler(pad)},
		{registry.Definition{Name: subAgentTool.Name, Description: subAgentTool.Description, Schema: subAgentTool.InputSchema, Mutating: true}, subagentHandler.Handle},
		{registry.Definition{Name: executeCodeTool.Name, Description: executeCodeTool.Description, Schema: executeCodeTool.InputSchema, Mutating: true}, executeCodeHandler.Handle},
	}

	for _, e := range entries {
		if err := r.Register(e.def, adapt(e.handler)); err != nil {
			return nil, err
		}
	}

	return &Set{Registry: r, edit: editHandler, shell: shellHandler, subagent: subagentHandler, sandbox: executeCodeHandler}, nil
}

// adapt bridges mcptools' convention (a handler always returns a
// *mcp.ToolResult, never a non-nil error, with failures carried as
// IsError) into registry.Handler's convention (failures are a returned
// error, which Dispatch folds back into an IsError Result).
func adapt(h mcp.ToolHandler) registry.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		res, err := h(ctx, args)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, c := range res.Content {
			b.WriteString(c.Text)
		}
		if res.IsError {
			return "", errors.New(b.String())
		}
		return b.String(), nil
	}
}
