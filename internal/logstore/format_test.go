package logstore

import (
	"testing"
	"time"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	started := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)

	m := Metadata{
		IterationNumber: 3,
		TaskID:          "task-42",
		TaskTitle:       "Fix the thing",
		Description:     "short description",
		Status:          StatusCompleted,
		TaskCompleted:   true,
		PromiseDetected: true,
		StartedAt:       started,
		EndedAt:         ended,
		Agent:           "claude",
		Model:           "sonnet",
		Switches: []AgentSwitch{
			{Kind: "fallback", From: "claude", To: "opencode", At: started},
		},
	}

	body, err := Serialize(m, "stdout line 1\nstdout line 2", "stderr line", nil)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, stdout, stderr, trace, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if trace != nil {
		t.Fatalf("expected nil trace, got %+v", trace)
	}
	if got.TaskID != m.TaskID || got.TaskTitle != m.TaskTitle || got.Status != m.Status {
		t.Fatalf("Parse metadata mismatch: %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.EndedAt.Equal(ended) {
		t.Fatalf("Parse timestamps mismatch: %+v", got)
	}
	if !got.TaskCompleted || !got.PromiseDetected {
		t.Fatalf("Parse bool fields mismatch: %+v", got)
	}
	if stdout != "stdout line 1\nstdout line 2" {
		t.Fatalf("stdout = %q", stdout)
	}
	if stderr != "stderr line" {
		t.Fatalf("stderr = %q", stderr)
	}
	if len(got.Switches) != 1 || got.Switches[0].From != "claude" || got.Switches[0].To != "opencode" {
		t.Fatalf("Switches mismatch: %+v", got.Switches)
	}
}

func TestSerializeParseWithTrace(t *testing.T) {
	m := Metadata{IterationNumber: 1, TaskID: "t1", Status: StatusFailed, StartedAt: time.Now(), EndedAt: time.Now()}
	trace := &SubagentTrace{
		Events:    []map[string]any{{"kind": "spawn"}},
		Hierarchy: []map[string]any{{"id": "a"}},
		Stats:     map[string]any{"total": float64(1)},
	}
	body, err := Serialize(m, "out", "", trace)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	_, _, _, gotTrace, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gotTrace == nil || len(gotTrace.Events) != 1 {
		t.Fatalf("Parse trace mismatch: %+v", gotTrace)
	}
}

func TestDescriptionTruncation(t *testing.T) {
	long := make([]byte, 250)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateDescription(string(long))
	if len(got) != descriptionTruncateLen+3 {
		t.Fatalf("truncateDescription len = %d, want %d", len(got), descriptionTruncateLen+3)
	}
}

func TestSafeTaskID(t *testing.T) {
	in := `a/b\c:d*e?f"g<h>i|j`
	want := "a-b-c-d-e-f-g-h-i-j"
	if got := SafeTaskID(in); got != want {
		t.Fatalf("SafeTaskID(%q) = %q, want %q", in, got, want)
	}
}

func TestParseFilenameLegacy(t *testing.T) {
	info, ok := ParseFilename("iteration-0007-my-task.log")
	if !ok {
		t.Fatal("expected legacy filename to parse")
	}
	if !info.Legacy || info.Iteration != 7 || info.TaskID != "my-task" {
		t.Fatalf("ParseFilename = %+v", info)
	}
}

func TestParseFilenameNew(t *testing.T) {
	info, ok := ParseFilename("a1b2c3d4_2026-01-02_10-00-00_my-task.log")
	if !ok {
		t.Fatal("expected new-format filename to parse")
	}
	if info.Legacy || info.SessionID != "a1b2c3d4" || info.TaskID != "my-task" {
		t.Fatalf("ParseFilename = %+v", info)
	}
}

func TestParseFilenameUnrecognized(t *testing.T) {
	if _, ok := ParseFilename("not-a-log.txt"); ok {
		t.Fatal("expected unrecognized filename to be rejected")
	}
}
