// Package sandbox implements the Sandbox Runtime (SPEC_FULL.md C6): a
// pluggable execution backend with an explicit lifecycle state machine, an
// Exec surface, and a capability record with restrictive defaults. Exec
// itself applies only the record's Timeout; the docker backend turns the
// rest into `docker run` flags and the passthrough backend applies none.
//
// Grounded on haasonsaas-nexus/internal/tools/sandbox/executor.go: the
// RuntimeExecutor interface, its dockerExecutor implementation (bind-mount
// vs. copy-into-container workspace access modes, --network none default,
// cpu/memory/pids/nofile limits), and its functional-options Config
// pattern. The teacher (sacenox-symb) has no sandbox of its own; this
// component is adapted wholesale from nexus's dedicated sandbox example,
// generalized from nexus's single-shot "run this code" framing to the
// named-instance, never-auto-started lifecycle spec.md §4.7 requires.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is a sandbox instance's lifecycle state. Instances never
// self-transition out of Uninit — Start must be called explicitly.
type State int

const (
	Uninit State = iota
	Starting
	Running
	Stopping
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "uninit"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Capabilities bounds what an instance is allowed to do. Defaults are
// restrictive: no network, no writable mounts, no elevated privileges.
type Capabilities struct {
	Network           bool
	WritableMounts     []string // host paths, empty = read-only/no mounts
	ElevatedPrivileges bool
	CPULimit           float64 // cores, 0 = backend default
	MemoryLimitMB      int64   // 0 = backend default
	Timeout            time.Duration
}

// DefaultCapabilities is the restrictive baseline every new instance gets
// unless a caller explicitly widens it.
var DefaultCapabilities = Capabilities{
	Network:            false,
	WritableMounts:      nil,
	ElevatedPrivileges:  false,
	CPULimit:            1.0,
	MemoryLimitMB:       512,
	Timeout:             5 * time.Minute,
}

// ExecRequest is a single command to run inside an instance.
type ExecRequest struct {
	Command []string
	Dir     string
	Env     map[string]string
	Stdin   []byte
}

// ExecResult is the outcome of a command run inside an instance.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	DurationMS int64
}

// ErrNotRunning is returned when Exec/Snapshot is attempted against an
// instance that isn't in the Running state.
var ErrNotRunning = errors.New("sandbox: instance is not running")

// ErrAlreadyStarted is returned by Start on an instance that has left Uninit.
var ErrAlreadyStarted = errors.New("sandbox: instance already started")

// Backend creates and drives instances for one execution technology
// (Docker, a local passthrough process group, Firecracker, ...).
type Backend interface {
	Name() string
	// Create allocates backend-specific state for a new instance but does
	// not start it — matching spec.md's "never auto-started" invariant.
	Create(ctx context.Context, caps Capabilities) (BackendInstance, error)
}

// BackendInstance is the backend-specific half of an Instance: the part
// that actually knows how to start, exec in, stop, and (optionally)
// snapshot a concrete sandbox technology.
type BackendInstance interface {
	Start(ctx context.Context) error
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	Stop(ctx context.Context) error
	// Snapshot is optional; backends that don't support it return
	// ErrSnapshotUnsupported.
	Snapshot(ctx context.Context) (id string, err error)
}

// ErrSnapshotUnsupported is returned by backends with no snapshot support.
var ErrSnapshotUnsupported = errors.New("sandbox: backend does not support snapshots")

// Instance is one sandboxed execution environment: the lifecycle state
// machine wrapped around a BackendInstance.
type Instance struct {
	mu                sync.Mutex
	ID                string
	Capabilities      Capabilities
	state             State
	explicitlyStopped bool
	backend           BackendInstance
	backendName       string
}

// Manager creates and tracks Instances across backends.
type Manager struct {
	mu       sync.Mutex
	backends map[string]Backend
	instances map[string]*Instance
}

// NewManager creates a Manager with no backends registered; call
// RegisterBackend for each technology the deployment supports.
func NewManager() *Manager {
	return &Manager{
		backends:  make(map[string]Backend),
		instances: make(map[string]*Instance),
	}
}

// RegisterBackend makes a Backend available by name (e.g. "docker",
// "passthrough", "firecracker").
func (m *Manager) RegisterBackend(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Name()] = b
}

// CreateInstance allocates a new, Uninit instance on the named backend. It
// does not start it.
func (m *Manager) CreateInstance(ctx context.Context, backendName string, caps Capabilities) (*Instance, error) {
	m.mu.Lock()
	b, ok := m.backends[backendName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown backend %q", backendName)
	}

	bi, err := b.Create(ctx, caps)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create on backend %q: %w", backendName, err)
	}

	inst := &Instance{
		ID:           uuid.NewString(),
		Capabilities: caps,
		state:        Uninit,
		backend:      bi,
		backendName:  backendName,
	}
	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()
	return inst, nil
}

// Get returns a tracked instance by ID.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// State returns the instance's current lifecycle state.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Start transitions Uninit -> Starting -> Running. It is a no-op error to
// call Start twice.
func (inst *Instance) Start(ctx context.Context) error {
	inst.mu.Lock()
	if inst.state != Uninit {
		inst.mu.Unlock()
		return ErrAlreadyStarted
	}
	inst.state = Starting
	inst.mu.Unlock()

	if err := inst.backend.Start(ctx); err != nil {
		inst.mu.Lock()
		inst.state = Errored
		inst.mu.Unlock()
		return fmt.Errorf("sandbox: start: %w", err)
	}

	inst.mu.Lock()
	inst.state = Running
	inst.mu.Unlock()
	log.Info().Str("instance", inst.ID).Str("backend", inst.backendName).Msg("sandbox: instance running")
	return nil
}

// Exec runs req inside the instance, bounded by Capabilities.Timeout when it
// is set. Exec does not check network or mount capabilities; those are
// applied, if at all, by the backend when the instance is created.
func (inst *Instance) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	inst.mu.Lock()
	state := inst.state
	caps := inst.Capabilities
	inst.mu.Unlock()

	if state != Running {
		return ExecResult{}, ErrNotRunning
	}

	if caps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, caps.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := inst.backend.Exec(ctx, req)
	res.DurationMS = time.Since(start).Milliseconds()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	return res, err
}

// Stop transitions Running/Starting -> Stopping -> Stopped and marks the
// instance as explicitly stopped, so it is never implicitly restarted.
func (inst *Instance) Stop(ctx context.Context) error {
	inst.mu.Lock()
	if inst.state == Stopped {
		inst.mu.Unlock()
		return nil
	}
	inst.state = Stopping
	inst.mu.Unlock()

	err := inst.backend.Stop(ctx)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.explicitlyStopped = true
	if err != nil {
		inst.state = Errored
		return fmt.Errorf("sandbox: stop: %w", err)
	}
	inst.state = Stopped
	return nil
}

// ExplicitlyStopped reports whether Stop was ever called on this instance.
func (inst *Instance) ExplicitlyStopped() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.explicitlyStopped
}

// Snapshot requests a backend-level snapshot of the instance, if the
// backend supports one. This is additive to, never a substitute for, the
// host-side Snapshot Store (C4) — sandbox snapshots don't survive teardown
// of the sandbox technology itself.
func (inst *Instance) Snapshot(ctx context.Context) (string, error) {
	inst.mu.Lock()
	state := inst.state
	inst.mu.Unlock()
	if state != Running {
		return "", ErrNotRunning
	}
	return inst.backend.Snapshot(ctx)
}
