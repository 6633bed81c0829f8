package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

// LogFormat identifies which agent family produced a JSONL stream, mirroring
// the stdout shape each CLI emits. Detection is grounded on the same
// sessionID/session_id + type-vocabulary probe baiirun-aetherflow's jsonl.go uses
// to distinguish opencode from Claude Code output.
type LogFormat int

const (
	LogFormatUnknown LogFormat = iota
	LogFormatOpencode
	LogFormatClaude
	LogFormatCodex
)

// DetectLogFormat determines the log format from a single JSONL line.
func DetectLogFormat(line []byte) LogFormat {
	var opcodeProbe struct {
		SessionID *string `json:"sessionID"`
	}
	if json.Unmarshal(line, &opcodeProbe) == nil && opcodeProbe.SessionID != nil {
		return LogFormatOpencode
	}

	var claudeProbe struct {
		Type      string  `json:"type"`
		SessionID *string `json:"session_id"`
	}
	if json.Unmarshal(line, &claudeProbe) == nil {
		switch claudeProbe.Type {
		case "system", "assistant", "user", "result":
			return LogFormatClaude
		}
	}

	var codexProbe struct {
		Msg struct {
			Type string `json:"type"`
		} `json:"msg"`
	}
	if json.Unmarshal(line, &codexProbe) == nil && codexProbe.Msg.Type != "" {
		return LogFormatCodex
	}

	return LogFormatUnknown
}

// rateLimitPattern pairs a regexp matched against combined stdout+stderr
// with an optional named capture group holding a retry-after duration.
type rateLimitPattern struct {
	re            *regexp.Regexp
	retryAfterGrp string // capture group name, "" if none
	unit          time.Duration
}

// patternsByFormat mirrors the per-family parser table in baiirun-aetherflow's
// jsonl.go (parseOpencodeToolCalls/parseClaudeToolCalls split on
// DetectLogFormat): each agent family phrases rate-limit errors differently,
// so detection is dispatched the same way log parsing is.
var patternsByFormat = map[LogFormat][]rateLimitPattern{
	LogFormatClaude: {
		{re: regexp.MustCompile(`(?i)rate.?limit`), unit: time.Second},
		{re: regexp.MustCompile(`(?i)usage limit reached.*?reset(?:s)? (?:in|at) (?P<secs>\d+)`), retryAfterGrp: "secs", unit: time.Second},
		{re: regexp.MustCompile(`(?i)529|overloaded`), unit: time.Second},
	},
	LogFormatOpencode: {
		{re: regexp.MustCompile(`(?i)rate.?limit`), unit: time.Second},
		{re: regexp.MustCompile(`(?i)429|too many requests`), unit: time.Second},
		{re: regexp.MustCompile(`(?i)retry.?after[:=\s]+(?P<secs>\d+)`), retryAfterGrp: "secs", unit: time.Second},
	},
	LogFormatCodex: {
		{re: regexp.MustCompile(`(?i)rate.?limit`), unit: time.Second},
		{re: regexp.MustCompile(`(?i)quota exceeded`), unit: time.Second},
	},
	LogFormatUnknown: {
		{re: regexp.MustCompile(`(?i)rate.?limit`), unit: time.Second},
		{re: regexp.MustCompile(`(?i)429|too many requests`), unit: time.Second},
	},
}

// RateLimitDetection is the outcome of scanning an execution's output for
// rate-limit signals (spec §3 Rate-Limit State, §4.2).
type RateLimitDetection struct {
	Detected   bool
	RetryAfter time.Duration // 0 if not specified by the agent
	Matched    string
}

// DetectRateLimit scans combined stdout+stderr text for the current agent
// family's rate-limit signatures.
func DetectRateLimit(format LogFormat, combinedOutput string) RateLimitDetection {
	patterns, ok := patternsByFormat[format]
	if !ok {
		patterns = patternsByFormat[LogFormatUnknown]
	}

	for _, p := range patterns {
		m := p.re.FindStringSubmatchIndex(combinedOutput)
		if m == nil {
			continue
		}
		det := RateLimitDetection{
			Detected: true,
			Matched:  combinedOutput[m[0]:m[1]],
		}
		for _, q := range patterns {
			if q.retryAfterGrp == "" {
				continue
			}
			if v := submatchByName(q.re, combinedOutput, q.retryAfterGrp); v != "" {
				if secs, err := strconv.Atoi(v); err == nil {
					det.RetryAfter = time.Duration(secs) * q.unit
					break
				}
			}
		}
		return det
	}
	return RateLimitDetection{}
}

func submatchByName(re *regexp.Regexp, s, name string) string {
	names := re.SubexpNames()
	matches := re.FindStringSubmatch(s)
	if matches == nil {
		return ""
	}
	for i, n := range names {
		if n == name && i < len(matches) {
			return matches[i]
		}
	}
	return ""
}
