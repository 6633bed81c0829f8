package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ralph-run/ralph/internal/agent"
)

// backoffDelay computes the rate-limit retry wait (spec §4.2): a
// server-suggested retryAfter wins when positive, otherwise exponential
// backoff baseBackoffMs × 3^attempt (defaults yield 5s, 15s, 45s).
func backoffDelay(retryAfter time.Duration, baseBackoffMs int64, attempt int) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if baseBackoffMs <= 0 {
		baseBackoffMs = 5000
	}
	ms := baseBackoffMs
	for i := 0; i < attempt; i++ {
		ms *= 3
	}
	return time.Duration(ms) * time.Millisecond
}

// detectRateLimit runs the rate-limit detector over one execution's
// combined output (spec §4.2), auto-sniffing the agent-family log format
// from the first line of stdout.
func detectRateLimit(res *agent.ExecutionResult) agent.RateLimitDetection {
	format := agent.LogFormatUnknown
	if len(res.Stdout) > 0 {
		format = agent.DetectLogFormat([]byte(firstLine(res.Stdout)))
	}
	combined := res.Stdout + "\n" + res.Stderr
	return agent.DetectRateLimit(format, combined)
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

// attemptFallback tries each configured fallback agent in declared order,
// skipping agents already marked limited for the current task (spec I7),
// and returns the first one that detects as available. It does not mutate
// engine state — the caller applies the switch.
func attemptFallback(ctx context.Context, fallbacks []agent.Plugin, limited map[string]bool) (agent.Plugin, []string) {
	tried := make([]string, 0, len(fallbacks))
	for _, p := range fallbacks {
		id := p.Meta().ID
		if limited[id] {
			continue
		}
		tried = append(tried, id)
		det := p.Detect(ctx)
		if !det.Available {
			limited[id] = true
			continue
		}
		return p, tried
	}
	return nil, tried
}

// recoveryProbeResult is the outcome of testing whether a fallback can be
// abandoned in favor of the preserved primary agent.
type recoveryProbeResult struct {
	Success    bool
	DurationMs int64
}

// recoveryProbe runs a minimal prompt against the primary agent with a
// short timeout and checks whether it still looks rate-limited (spec
// §4.2). Preflight's own PREFLIGHT_OK prompt doubles as that minimal test
// prompt.
func recoveryProbe(ctx context.Context, primary agent.Plugin) recoveryProbeResult {
	const probeTimeout = 5 * time.Second
	pre := primary.Preflight(ctx, probeTimeout)
	if !pre.Success {
		return recoveryProbeResult{Success: false, DurationMs: pre.DurationMs}
	}

	det := agent.DetectRateLimit(agent.DetectLogFormat([]byte(firstLine(pre.Stdout))), pre.Stdout+"\n"+pre.Stderr)
	if det.Detected {
		return recoveryProbeResult{Success: false, DurationMs: pre.DurationMs}
	}
	return recoveryProbeResult{Success: true, DurationMs: pre.DurationMs}
}

func rateLimitError(tried []string) error {
	return fmt.Errorf("all agents rate-limited: tried %v", tried)
}
