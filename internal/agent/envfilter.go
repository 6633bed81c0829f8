package agent

import (
	"os"
	"path/filepath"
)

// defaultExcludePatterns are glob-style (filepath.Match syntax) patterns
// applied to the parent environment before it is passed to an agent
// subprocess. They exist so a misconfigured agent plugin cannot leak the
// orchestrator's own credentials into the agent's process environment
// (spec §4.3).
var defaultExcludePatterns = []string{
	"*_API_KEY",
	"*_SECRET_KEY",
	"*_SECRET",
}

// filterEnv returns a copy of the parent environment (os.Environ format,
// "KEY=VALUE") with any entry whose key matches an exclude pattern removed,
// then overlays extra on top.
func filterEnv(parent []string, excludePatterns []string, extra map[string]string) []string {
	if len(excludePatterns) == 0 {
		excludePatterns = defaultExcludePatterns
	}

	out := make([]string, 0, len(parent)+len(extra))
	for _, kv := range parent {
		key := kv
		for i, c := range kv {
			if c == '=' {
				key = kv[:i]
				break
			}
		}
		if matchesAny(excludePatterns, key) {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// matchesAny reports whether key matches any glob pattern. Invalid patterns
// never match (filepath.Match only errors on malformed patterns, which we
// treat as "does not match" rather than failing the whole filter).
func matchesAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, key); err == nil && ok {
			return true
		}
	}
	return false
}

// parentEnviron is a seam for tests; production code always uses os.Environ.
var parentEnviron = os.Environ
