package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatch_ReportsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(path, []byte(`{"api_key":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no event after writing the watched file")
	}
}

func TestWatch_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Events():
		t.Fatal("event fired for an unrelated file")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatch_SurvivesRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer func() { _ = w.Close() }()

	// Editor-style save: write a temp file, rename over the target.
	tmp := filepath.Join(dir, "config.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"api_key":"y"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no event after rename-replace save")
	}
}
