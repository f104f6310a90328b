// Package filetime implements the File-Time Tracker (SPEC_FULL.md C5): a
// per-session map of path -> (last_seen_mtime, last_read_at) used to detect
// when a file has been modified outside the agent's own edit tool since it
// was last read, surfacing errkind.ConcurrentModification before a blind
// overwrite can happen.
//
// The teacher's FileReadTracker (found only in the stale internal/mcp_tools
// duplicate; the canonical internal/mcptools package never shipped its own
// copy in this retrieval pack) tracks read-presence only, as a boolean. This
// is a deliberate generalization to the mtime-pair model spec.md §4.4/§7
// actually requires — a boolean "was it read" can't distinguish "read, then
// untouched" from "read, then changed by another process", which is exactly
// the case concurrent_modification exists to catch.
package filetime

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xonecas/opencoach/internal/errkind"
)

// Entry records what the tracker last observed for a path.
type Entry struct {
	LastSeenModTime time.Time
	LastReadAt      time.Time
}

// Tracker is safe for concurrent use by multiple tool-handler goroutines
// within a session.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// Observe records that path was just read, capturing its current on-disk
// mtime. Call this at the end of a successful Read tool invocation.
func (t *Tracker) Observe(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("filetime: stat %s: %w", path, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[path] = Entry{LastSeenModTime: info.ModTime(), LastReadAt: time.Now()}
	return nil
}

// WasRead reports whether path has ever been observed in this session —
// the precondition the edit tool uses to decide Create vs. a
// read-before-write requirement.
func (t *Tracker) WasRead(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[path]
	return ok
}

// Check verifies that path's on-disk mtime still matches what was last
// observed. It returns an error wrapping errkind.ConcurrentModification if
// the file has been modified since the last Observe, or if it was never
// observed at all (a write attempted without a prior read).
func (t *Tracker) Check(path string) error {
	t.mu.RLock()
	entry, ok := t.entries[path]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s was never read in this session", errkind.ConcurrentModification, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("filetime: stat %s: %w", path, err)
	}
	if !info.ModTime().Equal(entry.LastSeenModTime) {
		return fmt.Errorf("%w: %s changed on disk since it was last read (seen %s, now %s)",
			errkind.ConcurrentModification, path, entry.LastSeenModTime, info.ModTime())
	}
	return nil
}

// Touch updates the tracked mtime for path to its current on-disk value,
// called after the agent's own tool successfully writes the file so the
// next Check doesn't flag the write the agent itself just made.
func (t *Tracker) Touch(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("filetime: stat %s: %w", path, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[path]
	e.LastSeenModTime = info.ModTime()
	t.entries[path] = e
	return nil
}

// Forget removes path from tracking, used when a file is deleted.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, path)
}
