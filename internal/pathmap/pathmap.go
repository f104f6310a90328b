// Package pathmap implements the Path Mapper (SPEC_FULL.md C2): the single
// place that translates between a host filesystem path, a sandbox-visible
// path, and the display path shown to a frontend, and that rejects any path
// which would escape the session's project root.
//
// Grounded on internal/mcptools/helpers.go's validatePathWithRoot and
// internal/shell/shell.go's isSubdir/cwd-clamp logic, generalized from a
// single root anchor to the three-space mapping the runtime needs once a
// sandbox with its own mount point is in play.
package pathmap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside the project root.
var ErrOutsideRoot = errors.New("path escapes project root")

// Mapper translates between host, sandbox, and display path spaces for a
// single session. SandboxRoot is empty when no sandbox is attached, in
// which case ToSandbox/FromSandbox are identity operations.
type Mapper struct {
	hostRoot    string
	sandboxRoot string
}

// New creates a Mapper anchored at hostRoot. sandboxRoot may be empty.
func New(hostRoot, sandboxRoot string) (*Mapper, error) {
	abs, err := filepath.Abs(hostRoot)
	if err != nil {
		return nil, fmt.Errorf("pathmap: resolve host root: %w", err)
	}
	if sandboxRoot != "" {
		sandboxRoot = filepath.Clean(sandboxRoot)
	}
	return &Mapper{hostRoot: filepath.Clean(abs), sandboxRoot: sandboxRoot}, nil
}

// HostRoot returns the absolute host project root.
func (m *Mapper) HostRoot() string { return m.hostRoot }

// HasSandbox reports whether a sandbox mount is configured.
func (m *Mapper) HasSandbox() bool { return m.sandboxRoot != "" }

// ResolveHost resolves a possibly-relative path against the host root and
// verifies containment. It returns ErrOutsideRoot if the resolved path is
// not the root itself or a descendant of it.
func (m *Mapper) ResolveHost(p string) (string, error) {
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(m.hostRoot, p))
	}
	if !isSubpath(abs, m.hostRoot) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return abs, nil
}

// ToSandbox maps a host-absolute path to its sandbox-visible equivalent.
// If no sandbox is configured, it returns hostPath unchanged.
func (m *Mapper) ToSandbox(hostPath string) (string, error) {
	if m.sandboxRoot == "" {
		return hostPath, nil
	}
	rel, err := filepath.Rel(m.hostRoot, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("pathmap: %s not under host root %s", hostPath, m.hostRoot)
	}
	return filepath.Join(m.sandboxRoot, rel), nil
}

// FromSandbox maps a sandbox-visible path back to its host-absolute
// equivalent. If no sandbox is configured, it returns sandboxPath unchanged.
func (m *Mapper) FromSandbox(sandboxPath string) (string, error) {
	if m.sandboxRoot == "" {
		return sandboxPath, nil
	}
	rel, err := filepath.Rel(m.sandboxRoot, sandboxPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("pathmap: %s not under sandbox root %s", sandboxPath, m.sandboxRoot)
	}
	return filepath.Join(m.hostRoot, rel), nil
}

// Display returns a path relative to the host root suitable for showing to
// a user, falling back to the absolute path if it cannot be made relative.
func (m *Mapper) Display(hostPath string) string {
	rel, err := filepath.Rel(m.hostRoot, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return rel
}

// isSubpath reports whether path is dir itself or a descendant of it.
func isSubpath(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
