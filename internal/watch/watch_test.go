package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_RejectsEmptyPatterns(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Fatal("expected error for no patterns")
	}
}

func TestNew_DefaultsDebounce(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{filepath.Join(dir, "*.yaml")}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if w.debounce != DefaultDebounce {
		t.Errorf("debounce = %v, want %v", w.debounce, DefaultDebounce)
	}
}

func TestWatcher_EmitsOnMatchingChange(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(target, []byte("a"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := New([]string{filepath.Join(dir, "*.yaml")}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	go w.Run()

	if err := os.WriteFile(target, []byte("b"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload edge after matching file change")
	}
}

func TestWatcher_IgnoresNonMatchingChange(t *testing.T) {
	dir := t.TempDir()
	ignored := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(ignored, []byte("a"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := New([]string{filepath.Join(dir, "*.yaml")}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	go w.Run()

	if err := os.WriteFile(ignored, []byte("b"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-w.Events():
		t.Fatal("unexpected reload edge for a non-matching file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMatches(t *testing.T) {
	w := &Watcher{patterns: []string{"*.py", "config/*.yaml"}}
	tests := []struct {
		name string
		want bool
	}{
		{"app.py", true},
		{"/abs/path/app.py", true},
		{"config/settings.yaml", true},
		{"notes.txt", false},
	}
	for _, tt := range tests {
		if got := w.matches(tt.name); got != tt.want {
			t.Errorf("matches(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClose_StopsRun(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{filepath.Join(dir, "*.yaml")}, DefaultDebounce)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
