package filetime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/opencoach/internal/errkind"
)

func TestCheckPassesWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("v1"), 0600); err != nil {
		t.Fatal(err)
	}
	tr := New()
	if err := tr.Observe(p); err != nil {
		t.Fatal(err)
	}
	if err := tr.Check(p); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckFailsWhenNeverRead(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	os.WriteFile(p, []byte("v1"), 0600)
	tr := New()
	if err := tr.Check(p); !errors.Is(err, errkind.ConcurrentModification) {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
}

func TestCheckFailsOnExternalModification(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	os.WriteFile(p, []byte("v1"), 0600)
	tr := New()
	if err := tr.Observe(p); err != nil {
		t.Fatal(err)
	}

	// Force a distinct mtime (some filesystems have 1s resolution).
	future := time.Now().Add(2 * time.Second)
	os.WriteFile(p, []byte("v2 external edit"), 0600)
	os.Chtimes(p, future, future)

	if err := tr.Check(p); !errors.Is(err, errkind.ConcurrentModification) {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
}

func TestTouchResetsBaseline(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	os.WriteFile(p, []byte("v1"), 0600)
	tr := New()
	tr.Observe(p)

	future := time.Now().Add(2 * time.Second)
	os.WriteFile(p, []byte("v2 agent edit"), 0600)
	os.Chtimes(p, future, future)

	if err := tr.Touch(p); err != nil {
		t.Fatal(err)
	}
	if err := tr.Check(p); err != nil {
		t.Fatalf("expected Check to pass after Touch, got %v", err)
	}
}

func TestWasRead(t *testing.T) {
	tr := New()
	if tr.WasRead("/never") {
		t.Fatal("expected false for untracked path")
	}
}
