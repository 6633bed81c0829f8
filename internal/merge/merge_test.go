package merge

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedRunner replays canned responses keyed by the joined command, used
// the same way baiirun-aetherflow's tests fake CommandRunner in reconcile-adjacent
// daemon tests.
type scriptedRunner struct {
	calls     []string
	responses map[string]scriptedResponse
}

type scriptedResponse struct {
	out []byte
	err error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{responses: make(map[string]scriptedResponse)}
}

func (s *scriptedRunner) on(cmd string, out string, err error) {
	s.responses[cmd] = scriptedResponse{out: []byte(out), err: err}
}

func (s *scriptedRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	full := append([]string{name}, args...)
	key := strings.Join(full, " ")
	s.calls = append(s.calls, key)
	for pattern, resp := range s.responses {
		if strings.Contains(key, pattern) {
			return resp.out, resp.err
		}
	}
	return nil, nil
}

func TestRunMergesCleanly(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("rev-parse HEAD", "abc123\n", nil)

	summary, err := Run(context.Background(), Options{
		RepoDir:      "/repo",
		TargetBranch: "main",
		Branches:     []Branch{{Name: "ralph/task-1"}},
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Results) != 1 || summary.Results[0].Outcome != OutcomeMerged {
		t.Fatalf("Results = %+v", summary.Results)
	}
	if summary.Results[0].CommitSHA != "abc123" {
		t.Fatalf("CommitSHA = %q", summary.Results[0].CommitSHA)
	}
}

func TestRunCreatesBackupBranch(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("rev-parse HEAD", "deadbeef\n", nil)

	summary, err := Run(context.Background(), Options{
		RepoDir:            "/repo",
		TargetBranch:       "main",
		Branches:           nil,
		BackupBranchPrefix: "backup-",
		Runner:             sr.run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(summary.BackupBranch, "backup-") {
		t.Fatalf("BackupBranch = %q", summary.BackupBranch)
	}

	found := false
	for _, c := range sr.calls {
		if strings.Contains(c, "branch "+summary.BackupBranch+" deadbeef") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected backup branch creation call, got %v", sr.calls)
	}
}

func TestRunConflictWithoutResolverAborts(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("rev-parse HEAD", "abc\n", nil)
	sr.on("merge ralph/task-1 --no-edit", "", errors.New("merge conflict"))
	sr.on("diff --name-only --diff-filter=U", "file1.go\nfile2.go\n", nil)

	summary, err := Run(context.Background(), Options{
		RepoDir:      "/repo",
		TargetBranch: "main",
		Branches:     []Branch{{Name: "ralph/task-1"}},
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := summary.Results[0]
	if res.Outcome != OutcomeConflict {
		t.Fatalf("Outcome = %v, want conflict", res.Outcome)
	}
	if len(res.ConflictedFiles) != 2 {
		t.Fatalf("ConflictedFiles = %v", res.ConflictedFiles)
	}

	abortCalled := false
	for _, c := range sr.calls {
		if strings.Contains(c, "merge --abort") {
			abortCalled = true
		}
	}
	if !abortCalled {
		t.Fatalf("expected merge --abort call, got %v", sr.calls)
	}
}

type fakeResolver struct {
	resolved   bool
	confidence float64
}

func (f fakeResolver) Resolve(ctx context.Context, repoDir string, files []string) (bool, float64, error) {
	return f.resolved, f.confidence, nil
}

func TestRunConflictResolvedByAI(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("rev-parse HEAD", "abc\n", nil)
	sr.on("merge ralph/task-1 --no-edit", "", errors.New("merge conflict"))
	sr.on("diff --name-only --diff-filter=U", "file1.go\n", nil)
	sr.on("commit -m", "", nil)

	summary, err := Run(context.Background(), Options{
		RepoDir:      "/repo",
		TargetBranch: "main",
		Branches:     []Branch{{Name: "ralph/task-1"}},
		Resolver:     fakeResolver{resolved: true, confidence: 0.9},
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Results[0].Outcome != OutcomeMerged {
		t.Fatalf("Outcome = %v, want merged (AI-resolved)", summary.Results[0].Outcome)
	}
}

func TestRunConflictBelowThresholdFallsBack(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("rev-parse HEAD", "abc\n", nil)
	sr.on("merge ralph/task-1 --no-edit", "", errors.New("merge conflict"))
	sr.on("diff --name-only --diff-filter=U", "file1.go\n", nil)

	summary, err := Run(context.Background(), Options{
		RepoDir:      "/repo",
		TargetBranch: "main",
		Branches:     []Branch{{Name: "ralph/task-1"}},
		Resolver:     fakeResolver{resolved: true, confidence: 0.5},
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Results[0].Outcome != OutcomeConflict {
		t.Fatalf("Outcome = %v, want conflict (below threshold)", summary.Results[0].Outcome)
	}
}

func TestRunAbortOnConflictSkipsRemaining(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("rev-parse HEAD", "abc\n", nil)
	sr.on("merge ralph/task-1 --no-edit", "", errors.New("conflict"))
	sr.on("diff --name-only --diff-filter=U", "f.go\n", nil)

	summary, err := Run(context.Background(), Options{
		RepoDir:         "/repo",
		TargetBranch:    "main",
		Branches:        []Branch{{Name: "ralph/task-1"}, {Name: "ralph/task-2"}},
		AbortOnConflict: true,
		Runner:          sr.run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Results[1].Outcome != OutcomeSkipped {
		t.Fatalf("second result = %+v, want skipped", summary.Results[1])
	}
}
