package agent

import (
	"testing"
	"time"
)

func TestDetectLogFormat(t *testing.T) {
	cases := []struct {
		name string
		line string
		want LogFormat
	}{
		{"opencode", `{"sessionID":"abc","type":"tool_use"}`, LogFormatOpencode},
		{"claude", `{"type":"assistant","session_id":"xyz"}`, LogFormatClaude},
		{"codex", `{"msg":{"type":"agent_message"}}`, LogFormatCodex},
		{"unknown", `{"foo":"bar"}`, LogFormatUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DetectLogFormat([]byte(c.line)); got != c.want {
				t.Fatalf("DetectLogFormat(%q) = %v, want %v", c.line, got, c.want)
			}
		})
	}
}

func TestDetectRateLimitClaude(t *testing.T) {
	det := DetectRateLimit(LogFormatClaude, "Error: usage limit reached, resets in 120 seconds")
	if !det.Detected {
		t.Fatalf("expected rate limit detection")
	}
	if det.RetryAfter != 120*time.Second {
		t.Fatalf("RetryAfter = %v, want 120s", det.RetryAfter)
	}
}

func TestDetectRateLimitNoMatch(t *testing.T) {
	det := DetectRateLimit(LogFormatClaude, "everything is fine")
	if det.Detected {
		t.Fatalf("expected no rate limit detection, got %+v", det)
	}
}

func TestDetectRateLimitOpencodeRetryAfter(t *testing.T) {
	det := DetectRateLimit(LogFormatOpencode, "429 too many requests. Retry-After: 30")
	if !det.Detected || det.RetryAfter != 30*time.Second {
		t.Fatalf("got %+v, want detected with 30s retry-after", det)
	}
}
