// Package registry implements the Tool Registry (SPEC_FULL.md C7): a named
// table of tool definitions with JSON-schema validated arguments, dispatched
// through the Permission Manager (C3) before a handler ever runs. Paths are
// not translated through the Path Mapper (C2) here.
//
// Grounded on internal/mcp/proxy.go's Proxy (RegisterTool/ListTools/
// CallTool, local+upstream resolution, retry-with-backoff-on-429) and
// internal/mcp/types.go's Tool/ToolCall/ToolResult wire shapes, generalized
// into an in-process registry with JSON-schema argument validation added —
// the teacher validates nothing beyond a bare json.Unmarshal into the
// handler's own struct.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xonecas/opencoach/internal/errkind"
	"github.com/xonecas/opencoach/internal/filetime"
	"github.com/xonecas/opencoach/internal/metrics"
	"github.com/xonecas/opencoach/internal/permission"
	"github.com/xonecas/opencoach/internal/snapshot"
)

// Definition describes one callable tool: its name, human-readable
// description, JSON-schema for arguments, and whether invoking it mutates
// filesystem state (used to decide whether the dispatcher must snapshot
// first).
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Mutating    bool
}

// Handler executes a tool call and returns its result text (or an error).
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Result is the outcome of a Dispatch call.
type Result struct {
	Text    string
	IsError bool
}

// tool bundles a Definition, its Handler, and its compiled schema.
type tool struct {
	def     Definition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry holds every locally registered tool and dispatches calls through
// permission checks.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*tool
	perm    *permission.Manager
	metrics *metrics.Metrics

	// snapshots and filetimes back the dispatcher-level C4/C5 enforcement
	// spec.md §4.4 requires ahead of any edit-shaped tool call: for a
	// Mutating tool whose call names a single path, Dispatch snapshots
	// that path before the handler runs and rejects the call if the path
	// was modified outside the agent's own tools since it was last read.
	// Both may be nil, in which case that enforcement is skipped — tests
	// and callers that don't need it aren't forced to wire it up.
	snapshots *snapshot.Store
	filetimes *filetime.Tracker
	turnID    int64
}

// New creates an empty Registry. perm may be nil in tests that don't need
// permission gating (Dispatch then skips the Evaluate step).
func New(perm *permission.Manager) *Registry {
	return &Registry{tools: make(map[string]*tool), perm: perm}
}

// WithMetrics attaches m so every Dispatch call is recorded under C7's
// tool_calls_total/call_duration_seconds/errors_total series. Call before
// the registry is shared across goroutines.
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	return r
}

// WithSnapshots attaches the Snapshot Store (C4) Dispatch captures a
// pre-mutation copy through for every Mutating tool call that names a
// path. store may be nil to skip that capture.
func (r *Registry) WithSnapshots(store *snapshot.Store) *Registry {
	r.snapshots = store
	return r
}

// WithFileTime attaches the File-Time Tracker (C5) Dispatch consults before
// every Mutating tool call that names a path. tracker may be nil to skip
// that check.
func (r *Registry) WithFileTime(tracker *filetime.Tracker) *Registry {
	r.filetimes = tracker
	return r
}

// SetTurn advances the message ID Dispatch's own snapshot captures are
// filed under, mirroring toolreg.Set.SetTurn — call once per user-submitted
// prompt.
func (r *Registry) SetTurn(turnID int64) {
	atomic.StoreInt64(&r.turnID, turnID)
}

// Register adds a tool definition and its handler. Schema, if non-empty,
// must be valid JSON Schema; Register returns an error if it fails to
// compile so a malformed tool fails fast at startup rather than at the
// first call.
func (r *Registry) Register(def Definition, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &tool{def: def, handler: handler}
	if len(def.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(def.Schema, &doc); err != nil {
			return fmt.Errorf("registry: %s: invalid schema json: %w", def.Name, err)
		}
		const resourceURL = "mem://tool-schema"
		if err := compiler.AddResource(resourceURL, doc); err != nil {
			return fmt.Errorf("registry: %s: add schema resource: %w", def.Name, err)
		}
		schema, err := compiler.Compile(resourceURL)
		if err != nil {
			return fmt.Errorf("registry: %s: compile schema: %w", def.Name, err)
		}
		t.schema = schema
	}

	r.tools[def.Name] = t
	return nil
}

// List returns every registered tool's Definition in map iteration order,
// which is neither sorted nor stable between calls.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ExtractCallFields pulls the command/path fields Dispatch needs for
// permission-pattern matching and C4/C5 enforcement out of a tool call's raw
// arguments, without fully decoding them into the handler's own argument
// struct. Every caller of Dispatch is expected to run its tool calls through
// this first — command stays "" for tools with no shell-style permission
// pattern, and path stays "" for tools whose mutation surface isn't a single
// named file (Shell's is its whole working directory).
func ExtractCallFields(name string, args json.RawMessage) (command, path string) {
	switch name {
	case "Shell":
		var a struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(args, &a); err == nil {
			command = a.Command
		}
	case "Edit":
		var a struct {
			File string `json:"file"`
		}
		if err := json.Unmarshal(args, &a); err == nil && a.File != "" {
			if abs, err := filepath.Abs(a.File); err == nil {
				path = abs
			}
		}
	}
	return command, path
}

// Dispatch validates args against the tool's schema, checks permission via
// the configured Manager, and invokes the handler. path, if non-empty, is
// the filesystem path this specific call touches (passed through to the
// permission Request so path-bound rules can apply); command is a
// human-readable rendering of the call used for shell-style tool patterns
// like "shell:git status".
func (r *Registry) Dispatch(ctx context.Context, sessionID, name, command, path string, args json.RawMessage) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown tool %q", errkind.Validation, name)
	}

	if t.schema != nil {
		var doc any
		if err := json.Unmarshal(args, &doc); err != nil {
			return Result{}, fmt.Errorf("%w: %s: arguments are not valid json: %v", errkind.Validation, name, err)
		}
		if err := t.schema.Validate(doc); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", errkind.Validation, name, err)
		}
	}

	if r.perm != nil {
		toolPattern := name
		if command != "" {
			toolPattern = name + ":" + command
		}
		action, err := r.perm.Evaluate(ctx, permission.Request{
			SessionID: sessionID,
			Tool:      toolPattern,
			Command:   command,
			Path:      path,
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: permission evaluation: %v", errkind.Internal, err)
		}
		if action == permission.Deny {
			return Result{}, fmt.Errorf("%w: %s denied by permission policy", errkind.PermissionDenied, name)
		}
	}

	if t.def.Mutating && path != "" {
		// C5: reject a blind overwrite of a path that changed on disk
		// since the agent last read it. A path that doesn't exist yet is
		// a creation, not a concurrent modification — nothing to check.
		if r.filetimes != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				if err := r.filetimes.Check(path); err != nil {
					return Result{Text: err.Error(), IsError: true}, nil
				}
			}
		}
		// C4: snapshot the path before the handler gets a chance to
		// mutate it. Take returns an error for a path that doesn't exist
		// yet; that error is only logged, so a creation still proceeds.
		if r.snapshots != nil {
			messageID := strconv.FormatInt(atomic.LoadInt64(&r.turnID), 10)
			if _, err := r.snapshots.Take([]string{path}, sessionID, messageID, name+": "+path); err != nil {
				log.Warn().Err(err).Str("tool", name).Str("path", path).Msg("registry: dispatcher-level snapshot capture failed")
			}
		}
	}

	start := time.Now()
	text, err := t.handler(ctx, args)
	if err != nil {
		r.metrics.RecordToolCall(name, time.Since(start), true)
		log.Warn().Err(err).Str("tool", name).Msg("registry: tool handler returned error")
		return Result{Text: err.Error(), IsError: true}, nil
	}
	r.metrics.RecordToolCall(name, time.Since(start), false)
	return Result{Text: text}, nil
}
