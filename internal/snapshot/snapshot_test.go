package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, projectRoot string) *Store {
	t.Helper()
	s, err := New(t.TempDir(), projectRoot, Retention{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return abs
}

func TestTakeSkipsMissingFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	s := newTestStore(t, root)

	snap, err := s.Take([]string{"a.txt", "missing.txt"}, "sess1", "1", "edit a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Files) != 1 || snap.Files[0] != "a.txt" {
		t.Fatalf("expected only a.txt to be snapshotted, got %v", snap.Files)
	}
	if snap.SessionID != "sess1" || snap.MessageID != "1" {
		t.Fatalf("unexpected snapshot metadata: %+v", snap)
	}

	if _, err := s.Take([]string{"missing.txt"}, "sess1", "1", "nothing real"); err == nil {
		t.Fatal("expected error when no files exist to snapshot")
	}
}

func TestRestoreRevertsEditAndRecreatesDeletedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "original")
	s := newTestStore(t, root)

	snap, err := s.Take([]string{"a.txt"}, "sess1", "5", "before edit")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("modified"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Restore(snap.ID); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Fatalf("got %q", got)
	}
}

func TestListByMessageAndSession(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "b.txt", "b")
	s := newTestStore(t, root)

	if _, err := s.Take([]string{"a.txt"}, "sess1", "2", "turn 2 edit a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take([]string{"b.txt"}, "sess1", "2", "turn 2 edit b"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take([]string{"a.txt"}, "sess1", "3", "turn 3 edit a"); err != nil {
		t.Fatal(err)
	}

	byMessage, err := s.ListByMessage("2")
	if err != nil {
		t.Fatal(err)
	}
	if len(byMessage) != 2 {
		t.Fatalf("expected 2 snapshots for message 2, got %d", len(byMessage))
	}

	bySession, err := s.ListBySession("sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 3 {
		t.Fatalf("expected 3 snapshots for sess1, got %d", len(bySession))
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")
	s := newTestStore(t, root)

	snap, err := s.Take([]string{"a.txt"}, "sess1", "1", "edit a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(snap.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(snap.ID); err == nil {
		t.Fatal("expected Get to fail after Delete")
	}
	if err := s.Delete(snap.ID); err == nil {
		t.Fatal("expected second Delete to fail")
	}
}

func TestDiffReportsCurrentVsSnapshotted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "line one\n")
	s := newTestStore(t, root)

	snap, err := s.Take([]string{"a.txt"}, "sess1", "1", "edit a")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("line one\nline two\n"), 0644); err != nil {
		t.Fatal(err)
	}

	diff, err := s.Diff(snap.ID, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if diff == "" {
		t.Fatal("expected non-empty diff")
	}
}
