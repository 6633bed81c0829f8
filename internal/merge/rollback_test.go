package merge

import (
	"context"
	"testing"
)

func TestRollbackToExplicitRef(t *testing.T) {
	sr := newScriptedRunner()
	ref, err := Rollback(context.Background(), RollbackOptions{
		RepoDir:   "/repo",
		TargetRef: "backup-20260101-000000",
		Force:     true,
		Runner:    sr.run,
	})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ref != "backup-20260101-000000" {
		t.Fatalf("ref = %q", ref)
	}

	resetCalled := false
	for _, c := range sr.calls {
		if contains(c, "reset --hard backup-20260101-000000") {
			resetCalled = true
		}
	}
	if !resetCalled {
		t.Fatalf("expected reset --hard call, got %v", sr.calls)
	}
}

func TestRollbackFindsReflogAnchor(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("reflog show", "abc123 checkout: moving from main to ralph/tmp\ndeadbee checkout: moving from feature to main\n", nil)

	ref, err := Rollback(context.Background(), RollbackOptions{
		RepoDir: "/repo",
		Force:   true,
		Runner:  sr.run,
	})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ref != "abc123" {
		t.Fatalf("ref = %q, want abc123", ref)
	}
}

func TestRollbackNoAnchorFails(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("reflog show", "", nil)

	_, err := Rollback(context.Background(), RollbackOptions{RepoDir: "/repo", Runner: sr.run})
	if err == nil {
		t.Fatal("expected error when no reflog anchor is found")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
