package template

import (
	"strings"
	"testing"

	"github.com/ralph-run/ralph/internal/tracker"
)

func TestRenderDefaultTemplate(t *testing.T) {
	task := tracker.Task{ID: "t1", Title: "Fix the bug", Description: "it crashes"}
	res := Render(task, "epic-1", nil, "")
	if !res.Success {
		t.Fatalf("Render failed: %v", res.Error)
	}
	if res.Source != "default" {
		t.Fatalf("Source = %q, want default", res.Source)
	}
	if !strings.Contains(res.Prompt, "Fix the bug") || !strings.Contains(res.Prompt, "it crashes") {
		t.Fatalf("prompt missing task fields: %s", res.Prompt)
	}
	if !strings.Contains(res.Prompt, "<promise>COMPLETE</promise>") {
		t.Fatalf("prompt missing completion marker: %s", res.Prompt)
	}
}

func TestRenderTrackerTemplateOverride(t *testing.T) {
	task := tracker.Task{ID: "t1", Title: "Fix the bug"}
	res := Render(task, "", nil, "Custom: {{.Task.Title}}")
	if !res.Success {
		t.Fatalf("Render failed: %v", res.Error)
	}
	if res.Source != "tracker" {
		t.Fatalf("Source = %q, want tracker", res.Source)
	}
	if res.Prompt != "Custom: Fix the bug" {
		t.Fatalf("Prompt = %q", res.Prompt)
	}
}

func TestRenderWithExtendedContext(t *testing.T) {
	task := tracker.Task{ID: "t1", Title: "Fix the bug"}
	ext := &ExtendedContext{PRD: "build a widget", RecentProgress: "wired the API"}
	res := Render(task, "", ext, "")
	if !res.Success {
		t.Fatalf("Render failed: %v", res.Error)
	}
	if !strings.Contains(res.Prompt, "build a widget") || !strings.Contains(res.Prompt, "wired the API") {
		t.Fatalf("prompt missing extended context: %s", res.Prompt)
	}
}

func TestRenderInvalidTemplate(t *testing.T) {
	task := tracker.Task{ID: "t1", Title: "x"}
	res := Render(task, "", nil, "{{.Nope")
	if res.Success {
		t.Fatal("expected failure on invalid template")
	}
}
