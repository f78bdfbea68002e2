package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNew tests root creation.
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates nested root", func(t *testing.T) {
		t.Parallel()
		root := filepath.Join(t.TempDir(), "a", "b")
		s, err := New(root)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info, err := os.Stat(s.Root()); err != nil || !info.IsDir() {
			t.Errorf("expected root directory to exist, got %v", err)
		}
		entries, _ := os.ReadDir(s.Root())
		if len(entries) != 0 {
			t.Errorf("expected probe file to be removed, got %d entries", len(entries))
		}
	})

	t.Run("empty path", func(t *testing.T) {
		t.Parallel()
		if _, err := New("  "); !errors.Is(err, ErrNotWritable) {
			t.Errorf("expected ErrNotWritable, got %v", err)
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(file); !errors.Is(err, ErrNotWritable) {
			t.Errorf("expected ErrNotWritable, got %v", err)
		}
	})
}

// TestWriteAndExists tests atomic writes.
func TestWriteAndExists(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.Exists("css/style.css") {
		t.Error("expected file not to exist yet")
	}
	if err := s.Write("css/style.css", []byte("body{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Exists("css/style.css") {
		t.Error("expected file to exist")
	}
	data, err := s.Read("css/style.css")
	if err != nil || string(data) != "body{}" {
		t.Errorf("expected body{}, got %q (%v)", data, err)
	}

	// Overwrite keeps a single file and no temp leftovers.
	if err := s.Write("css/style.css", []byte("p{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(s.Root(), "css"))
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected one file, got %s", strings.Join(names, ","))
	}

	if err := s.Write("empty.txt", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Exists("empty.txt") {
		t.Error("expected empty file not to count as complete")
	}
}

// TestWriteFailure tests that write errors are classified.
func TestWriteFailure(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Write("data", []byte("file")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "data" is a file, so it cannot be a directory.
	if err := s.Write("data/x.png", []byte("png")); !errors.Is(err, ErrWrite) {
		t.Errorf("expected ErrWrite, got %v", err)
	}
	if err := s.Write("../escape.txt", []byte("x")); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("expected ErrUnsafePath, got %v", err)
	}
}

// TestOriginals tests staged document bytes.
func TestOriginals(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.HasOriginal("about/index.html") {
		t.Error("expected no staged original")
	}
	if err := s.WriteOriginal("about/index.html", []byte("<html>")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.HasOriginal("about/index.html") {
		t.Error("expected staged original")
	}
	data, err := s.ReadOriginal("about/index.html")
	if err != nil || string(data) != "<html>" {
		t.Errorf("expected staged bytes, got %q (%v)", data, err)
	}
	if s.Exists("about/index.html") {
		t.Error("expected staging not to create the mirror file")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), StateDir, "original", "about", "index.html")); err != nil {
		t.Errorf("expected staged file under state dir: %v", err)
	}
}
