package media

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirResolve(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	want := []byte("media bytes")
	if err := os.MkdirAll(filepath.Join(root, "promo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "promo", "a.png"), want, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := NewDir(root)
	got, err := d.Resolve("promo/a.png")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestDirResolveRejectsEscape(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	if err := os.WriteFile(outside, []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := NewDir(root)
	for _, ref := range []string{"../secret.txt", "a/../../secret.txt"} {
		if _, err := d.Resolve(ref); err == nil {
			t.Fatalf("Resolve(%q) succeeded, want escape error", ref)
		}
	}
}

func TestDirResolveEmptyRef(t *testing.T) {
	t.Parallel()
	if _, err := NewDir(t.TempDir()).Resolve("  "); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func TestDirResolveMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := NewDir(t.TempDir()).Resolve("missing.png"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRootlessDirAllowsAbsolutePaths(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := NewDir("").Resolve(path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("Resolve = %q", got)
	}
}
