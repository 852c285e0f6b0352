package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zibai.yaml")
	contents := "app: myapp:application\nmax_workers: 4\nurl_scheme: https\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	o, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if o.App != "myapp:application" {
		t.Errorf("App = %q, want %q", o.App, "myapp:application")
	}
	if o.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", o.MaxWorkers)
	}
	if o.URLScheme != "https" {
		t.Errorf("URLScheme = %q, want %q", o.URLScheme, "https")
	}
	if len(o.Listen) != 1 || o.Listen[0] != DefaultListen {
		t.Errorf("Listen default not applied: %v", o.Listen)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("app: [unterminated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestMerge(t *testing.T) {
	base := Defaults()
	base.App = "base:app"

	override := &Options{
		MaxWorkers: 99,
		NoGevent:   true,
		URLScheme:  "https",
	}

	merged := Merge(base, override)
	if merged.App != "base:app" {
		t.Errorf("App should survive merge untouched: got %q", merged.App)
	}
	if merged.MaxWorkers != 99 {
		t.Errorf("MaxWorkers = %d, want 99", merged.MaxWorkers)
	}
	if !merged.NoGevent {
		t.Error("NoGevent should be true after merge")
	}
	if merged.URLScheme != "https" {
		t.Errorf("URLScheme = %q, want https", merged.URLScheme)
	}
}

func TestMerge_EmptyOverrideChangesNothing(t *testing.T) {
	base := Defaults()
	base.App = "base:app"
	snapshot := *base

	merged := Merge(base, &Options{})
	if merged.App != snapshot.App || merged.MaxWorkers != snapshot.MaxWorkers {
		t.Errorf("empty override changed base: got %+v, want %+v", merged, snapshot)
	}
}
