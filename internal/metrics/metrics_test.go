package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ralph-run/ralph/internal/engine"
)

func TestObserverRecordsIterationOutcome(t *testing.T) {
	m := New()
	m.Observer(engine.Event{Name: "iteration:started", Payload: map[string]any{"taskId": "t1"}})
	m.Observer(engine.Event{Name: "iteration:completed", Payload: map[string]any{"taskId": "t1", "status": "completed"}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `ralph_engine_iterations_total{status="completed"} 1`) {
		t.Fatalf("expected iterations_total counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "ralph_engine_iteration_duration_seconds") {
		t.Fatalf("expected iteration_duration_seconds histogram in output, got:\n%s", body)
	}
}

func TestObserverRecordsAgentSwitch(t *testing.T) {
	m := New()
	m.Observer(engine.Event{Name: "agent:switched", Payload: map[string]any{"previous": "claude", "new": "codex"}})
	m.Observer(engine.Event{Name: "agent:all-limited", Payload: map[string]any{"tried": []string{"claude", "codex"}}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `ralph_engine_agent_switches_total{from="claude",to="codex"} 1`) {
		t.Fatalf("expected agent_switches_total counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "ralph_engine_all_agents_limited_total 1") {
		t.Fatalf("expected all_agents_limited_total counter in output, got:\n%s", body)
	}
}

func TestNilMetricsObserverIsNoop(t *testing.T) {
	var m *Metrics
	m.Observer(engine.Event{Name: "iteration:completed", Payload: map[string]any{"status": "completed"}})
	m.SetWorktreesActive(3)
	m.RecordMergeOutcome("merged")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503 from a nil Metrics handler, got %d", rec.Code)
	}
}

func TestSetWorktreesActiveAndMergeOutcome(t *testing.T) {
	m := New()
	m.SetWorktreesActive(2)
	m.RecordMergeOutcome("merged")
	m.RecordMergeOutcome("conflict")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "ralph_worktree_active 2") {
		t.Fatalf("expected worktree_active gauge = 2, got:\n%s", body)
	}
	if !strings.Contains(body, `ralph_merge_outcomes_total{outcome="merged"} 1`) {
		t.Fatalf("expected merge_outcomes_total counter in output, got:\n%s", body)
	}
}
