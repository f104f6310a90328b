// Package snapshot implements the Snapshot Store (SPEC_FULL.md C4):
// UUID-keyed, described snapshots of every file a mutating tool call is
// about to touch, retained by count/age/total-size, and diffable against a
// file's current content.
//
// Grounded directly on _examples/original_source/crates/wonopcode-snapshot/
// src/store.rs's SnapshotStore: a Snapshot covers a *list* of files taken
// together (not one snapshot per file), is keyed by {id, session_id,
// message_id, description, files, timestamp} exactly as spec.md §3
// requires, and is stored as plain file copies under a base directory
// (metadata.json + files/<relative_path> per snapshot) rather than in a
// database — restore is by snapshot id, matching
// SnapshotStore::take/restore/get/list/diff/delete/cleanup.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Snapshot is one captured, named set of file states.
type Snapshot struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	MessageID   string    `json:"message_id"`
	Description string    `json:"description"`
	Files       []string  `json:"files"` // paths relative to the store's project root
	Timestamp   time.Time `json:"timestamp"`
}

// Retention bounds how many snapshots (and how much total size) a session
// keeps before the oldest are pruned.
type Retention struct {
	MaxPerSession int           // 0 = unbounded
	MaxAge        time.Duration // 0 = unbounded
	MaxTotalSize  int64         // bytes, 0 = unbounded
}

// DefaultRetention mirrors store.rs's SnapshotConfig default: 100
// snapshots per session, 30 days, 500MB total — generous enough to cover a
// long session's undo history without growing unbounded.
var DefaultRetention = Retention{
	MaxPerSession: 100,
	MaxAge:        30 * 24 * time.Hour,
	MaxTotalSize:  500 << 20,
}

// Store persists snapshots as file copies under baseDir, mirroring
// store.rs's base_dir/snapshots/<id>/{metadata.json,files/...} layout.
type Store struct {
	mu          sync.Mutex
	baseDir     string
	projectRoot string
	retention   Retention
}

// New creates a Store rooted at baseDir (e.g. "<data dir>/snapshots"),
// resolving relative file paths against projectRoot.
func New(baseDir, projectRoot string, retention Retention) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "snapshots"), 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir, projectRoot: projectRoot, retention: retention}, nil
}

// Take snapshots every existing file in files (non-existent files are
// skipped with a warning, matching store.rs's take()) under one Snapshot
// record, tagged with sessionID/messageID/description.
func (s *Store) Take(files []string, sessionID, messageID, description string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := s.normalize(f)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(filepath.Join(s.projectRoot, rel)); err != nil {
			log.Warn().Str("file", rel).Msg("snapshot: skipping non-existent file")
			continue
		}
		normalized = append(normalized, rel)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("snapshot: no files to snapshot")
	}

	snap := &Snapshot{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		MessageID:   messageID,
		Description: description,
		Files:       normalized,
		Timestamp:   time.Now(),
	}

	filesDir := filepath.Join(s.snapshotDir(snap.ID), "files")
	for _, rel := range normalized {
		src := filepath.Join(s.projectRoot, rel)
		dst := filepath.Join(filesDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return nil, fmt.Errorf("snapshot: mkdir for %s: %w", rel, err)
		}
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("snapshot: copy %s: %w", rel, err)
		}
	}

	if err := s.writeMetadata(snap); err != nil {
		return nil, err
	}

	go s.cleanup()
	return snap, nil
}

// Restore copies every file in the snapshot back over the project's
// current content. Missing snapshot files (pruned or never captured) are
// skipped with a warning rather than failing the whole restore.
func (s *Store) Restore(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.get(id)
	if err != nil {
		return nil, err
	}
	filesDir := filepath.Join(s.snapshotDir(id), "files")
	for _, rel := range snap.Files {
		src := filepath.Join(filesDir, rel)
		dst := filepath.Join(s.projectRoot, rel)
		if _, err := os.Stat(src); err != nil {
			log.Warn().Str("file", rel).Msg("snapshot: missing snapshot file on restore")
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return nil, fmt.Errorf("snapshot: mkdir for restore of %s: %w", rel, err)
		}
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("snapshot: restore %s: %w", rel, err)
		}
	}
	log.Info().Str("snapshot", id).Int("files", len(snap.Files)).Msg("snapshot: restored")
	return snap, nil
}

// Get returns a snapshot by ID.
func (s *Store) Get(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.snapshotDir(id), "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: not found: %s", id)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: corrupt metadata for %s: %w", id, err)
	}
	return &snap, nil
}

// List returns every snapshot, newest first.
func (s *Store) List() ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]*Snapshot, error) {
	root := filepath.Join(s.baseDir, "snapshots")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	out := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, err := s.get(e.Name())
		if err != nil {
			log.Warn().Err(err).Str("id", e.Name()).Msg("snapshot: failed to load snapshot")
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// ListBySession returns every snapshot taken for sessionID, newest first.
func (s *Store) ListBySession(sessionID string) ([]*Snapshot, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(all))
	for _, snap := range all {
		if snap.SessionID == sessionID {
			out = append(out, snap)
		}
	}
	return out, nil
}

// ListByMessage returns every snapshot taken for messageID, newest first.
func (s *Store) ListByMessage(messageID string) ([]*Snapshot, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(all))
	for _, snap := range all {
		if snap.MessageID == messageID {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Diff returns diffmatchpatch's pretty-text rendering (not unified hunks)
// of the change from file's content at snapshot id to its current on-disk
// content.
func (s *Store) Diff(id, file string) (string, error) {
	snap, err := s.Get(id)
	if err != nil {
		return "", err
	}
	rel, err := s.normalize(file)
	if err != nil {
		return "", err
	}
	found := false
	for _, f := range snap.Files {
		if f == rel {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("snapshot: file %s not in snapshot %s", rel, id)
	}

	oldContent, _ := os.ReadFile(filepath.Join(s.snapshotDir(id), "files", rel))
	newContent, _ := os.ReadFile(filepath.Join(s.projectRoot, rel))

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(oldContent), string(newContent), false)
	return dmp.DiffPrettyText(diffs), nil
}

// Delete removes a snapshot entirely.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.snapshotDir(id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("snapshot: not found: %s", id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	return nil
}

// cleanup enforces retention: age first, then per-session count, then
// total size, oldest-first — mirroring store.rs's cleanup().
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.list()
	if err != nil {
		return
	}

	if s.retention.MaxAge > 0 {
		cutoff := time.Now().Add(-s.retention.MaxAge)
		var kept []*Snapshot
		for _, snap := range snaps {
			if snap.Timestamp.Before(cutoff) {
				if err := os.RemoveAll(s.snapshotDir(snap.ID)); err != nil {
					log.Warn().Err(err).Str("snapshot", snap.ID).Msg("snapshot: age-based cleanup failed")
					kept = append(kept, snap)
				}
				continue
			}
			kept = append(kept, snap)
		}
		snaps = kept
	}

	if s.retention.MaxPerSession > 0 {
		perSession := make(map[string][]*Snapshot)
		for _, snap := range snaps {
			perSession[snap.SessionID] = append(perSession[snap.SessionID], snap)
		}
		var kept []*Snapshot
		for _, list := range perSession {
			// list is already newest-first from s.list()'s sort.
			for i, snap := range list {
				if i >= s.retention.MaxPerSession {
					if err := os.RemoveAll(s.snapshotDir(snap.ID)); err != nil {
						log.Warn().Err(err).Str("snapshot", snap.ID).Msg("snapshot: count-based cleanup failed")
						kept = append(kept, snap)
					}
					continue
				}
				kept = append(kept, snap)
			}
		}
		snaps = kept
	}

	if s.retention.MaxTotalSize > 0 {
		var total int64
		sizes := make(map[string]int64, len(snaps))
		for _, snap := range snaps {
			sz := dirSize(s.snapshotDir(snap.ID))
			sizes[snap.ID] = sz
			total += sz
		}
		// Oldest-first (snaps is newest-first, so walk from the end).
		for i := len(snaps) - 1; i >= 0 && total > s.retention.MaxTotalSize; i-- {
			snap := snaps[i]
			if err := os.RemoveAll(s.snapshotDir(snap.ID)); err != nil {
				log.Warn().Err(err).Str("snapshot", snap.ID).Msg("snapshot: size-based cleanup failed")
				continue
			}
			total -= sizes[snap.ID]
		}
	}
}

func (s *Store) snapshotDir(id string) string {
	return filepath.Join(s.baseDir, "snapshots", id)
}

// normalize resolves file to a path relative to the project root, the way
// store.rs's normalize_path does (strip project root prefix from absolute
// paths, pass relative paths through unchanged).
func (s *Store) normalize(file string) (string, error) {
	if !filepath.IsAbs(file) {
		return file, nil
	}
	rel, err := filepath.Rel(s.projectRoot, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("snapshot: path %s is not under project root %s", file, s.projectRoot)
	}
	return rel, nil
}

func (s *Store) writeMetadata(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(s.snapshotDir(snap.ID), "metadata.json"), data, 0640)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
