package pathmap

import (
	"errors"
	"testing"
)

func TestResolveHostRejectsEscape(t *testing.T) {
	m, err := New("/project", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ResolveHost("../../etc/passwd"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
	got, err := m.ResolveHost("src/main.go")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/project/src/main.go" {
		t.Fatalf("got %s", got)
	}
}

func TestSandboxRoundTrip(t *testing.T) {
	m, err := New("/project", "/workspace")
	if err != nil {
		t.Fatal(err)
	}
	sb, err := m.ToSandbox("/project/src/main.go")
	if err != nil {
		t.Fatal(err)
	}
	if sb != "/workspace/src/main.go" {
		t.Fatalf("got %s", sb)
	}
	host, err := m.FromSandbox(sb)
	if err != nil {
		t.Fatal(err)
	}
	if host != "/project/src/main.go" {
		t.Fatalf("got %s", host)
	}
}

func TestNoSandboxIsIdentity(t *testing.T) {
	m, err := New("/project", "")
	if err != nil {
		t.Fatal(err)
	}
	p, err := m.ToSandbox("/project/a.go")
	if err != nil {
		t.Fatal(err)
	}
	if p != "/project/a.go" {
		t.Fatalf("got %s", p)
	}
}

func TestDisplayRelative(t *testing.T) {
	m, _ := New("/project", "")
	if got := m.Display("/project/src/main.go"); got != "src/main.go" {
		t.Fatalf("got %s", got)
	}
}
