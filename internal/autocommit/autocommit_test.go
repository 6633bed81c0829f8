package autocommit

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type scriptedRunner struct {
	calls     []string
	responses map[string][]byte
	errs      map[string]error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{responses: make(map[string][]byte), errs: make(map[string]error)}
}

func (s *scriptedRunner) on(substr string, out []byte, err error) {
	s.responses[substr] = out
	s.errs[substr] = err
}

func (s *scriptedRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	full := append([]string{name}, args...)
	key := strings.Join(full, " ")
	s.calls = append(s.calls, key)
	for pattern, out := range s.responses {
		if strings.Contains(key, pattern) {
			return out, s.errs[pattern]
		}
	}
	return nil, nil
}

func TestPerformAutoCommitSkipsWhenClean(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("status --porcelain", []byte(""), nil)

	res := PerformAutoCommit(context.Background(), sr.run, "/repo", "t1", "Fix bug")
	if res.Committed {
		t.Fatal("expected no commit on clean tree")
	}
	if res.SkipReason == "" {
		t.Fatal("expected a skip reason")
	}
}

func TestPerformAutoCommitCommitsChanges(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("status --porcelain", []byte(" M file.go\n"), nil)
	sr.on("rev-parse HEAD", []byte("abc123\n"), nil)

	res := PerformAutoCommit(context.Background(), sr.run, "/repo", "t1", "Fix bug")
	if !res.Committed {
		t.Fatalf("expected a commit, got error: %v skip: %s", res.Error, res.SkipReason)
	}
	if res.CommitSHA != "abc123" {
		t.Fatalf("CommitSHA = %q", res.CommitSHA)
	}
	if !strings.Contains(res.CommitMessage, "t1") {
		t.Fatalf("CommitMessage = %q", res.CommitMessage)
	}
}

func TestPerformAutoCommitSurfacesCommitError(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("status --porcelain", []byte(" M file.go\n"), nil)
	sr.on("commit -m", nil, errors.New("commit failed"))

	res := PerformAutoCommit(context.Background(), sr.run, "/repo", "t1", "Fix bug")
	if res.Error == nil {
		t.Fatal("expected commit error to surface")
	}
}
