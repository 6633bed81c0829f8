package agent

import "testing"

func TestFilterEnvExcludesSecrets(t *testing.T) {
	parent := []string{
		"PATH=/usr/bin",
		"ANTHROPIC_API_KEY=sk-secret",
		"GITHUB_SECRET_KEY=abc",
		"FOO_SECRET=bar",
		"SAFE_VALUE=1",
	}

	out := filterEnv(parent, nil, nil)

	for _, kv := range out {
		if kv == "ANTHROPIC_API_KEY=sk-secret" || kv == "GITHUB_SECRET_KEY=abc" || kv == "FOO_SECRET=bar" {
			t.Fatalf("filterEnv leaked secret entry: %q", kv)
		}
	}
	if !contains(out, "PATH=/usr/bin") || !contains(out, "SAFE_VALUE=1") {
		t.Fatalf("filterEnv dropped a safe entry: %v", out)
	}
}

func TestFilterEnvOverlaysExtra(t *testing.T) {
	out := filterEnv(nil, nil, map[string]string{"AGENT_ID": "abc123"})
	if !contains(out, "AGENT_ID=abc123") {
		t.Fatalf("filterEnv did not add extra entry: %v", out)
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
