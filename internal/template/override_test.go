package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ralph-run/ralph/internal/tracker"
)

func TestOverrideWrapUsesFileWhenPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, overrideFileName), []byte("Custom: {{.Task.Title}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	ov, err := NewOverride(dir)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}

	res := ov.Wrap(Render)(tracker.Task{ID: "t1", Title: "do thing"}, "epic", nil, "tracker template {{.Task.Title}}")
	if !res.Success {
		t.Fatalf("render failed: %v", res.Error)
	}
	if res.Source != "override" {
		t.Fatalf("Source = %q, want override", res.Source)
	}
	if res.Prompt != "Custom: do thing" {
		t.Fatalf("Prompt = %q", res.Prompt)
	}
}

func TestOverrideWrapFallsBackWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	ov, err := NewOverride(dir)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}

	res := ov.Wrap(Render)(tracker.Task{ID: "t1", Title: "do thing"}, "epic", nil, "")
	if !res.Success {
		t.Fatalf("render failed: %v", res.Error)
	}
	if res.Source != "default" {
		t.Fatalf("Source = %q, want default", res.Source)
	}
}

func TestOverrideReloadPicksUpChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, overrideFileName)
	if err := os.WriteFile(path, []byte("v1 {{.Task.ID}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	ov, err := NewOverride(dir)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}

	if err := os.WriteFile(path, []byte("v2 {{.Task.ID}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ov.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	res := ov.Wrap(Render)(tracker.Task{ID: "t1"}, "epic", nil, "")
	if res.Prompt != "v2 t1" {
		t.Fatalf("Prompt = %q, want v2 t1", res.Prompt)
	}
}
