// Package term provides terminal color output and width detection for
// ralph's CLI (spec §6 external interface: the CLI's human-readable output).
//
// Colors are disabled when:
//   - NO_COLOR env var is set (any value, per https://no-color.org/)
//   - Disable(true) has been called (for --no-color)
//   - stdout is not a terminal (piped/redirected)
//
// Grounded on baiirun-aetherflow's internal/term package — the detection and
// wrapping mechanism is unchanged; only the doc comments below are
// retargeted from aetherflow's swarm/agent-pool vocabulary to ralph's
// iteration/task vocabulary.
package term

import (
	"fmt"
	"os"
	"sync"
)

// ANSI color codes (SGR sequences).
const (
	reset   = "\x1b[0m"
	bold    = "\x1b[1m"
	dim     = "\x1b[2m"
	red     = "\x1b[31m"
	green   = "\x1b[32m"
	yellow  = "\x1b[33m"
	blue    = "\x1b[34m"
	magenta = "\x1b[35m"
	cyan    = "\x1b[36m"
)

var (
	mu       sync.Mutex
	disabled bool

	initOnce sync.Once
	noColor  bool
)

// Disable forces colors off. This does not override environment detection —
// if NO_COLOR is set or stdout is not a terminal, colors remain off
// regardless. Call from the --no-color flag handler.
func Disable(off bool) {
	mu.Lock()
	defer mu.Unlock()
	disabled = off
}

func enabled() bool {
	initOnce.Do(func() {
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			noColor = true
			return
		}
		if !isTerminal(os.Stdout) {
			noColor = true
		}
	})

	mu.Lock()
	defer mu.Unlock()
	return !disabled && !noColor
}

func wrap(code, s string) string {
	if !enabled() {
		return s
	}
	return code + s + reset
}

// Green returns s in green (completed iterations, successful merges).
func Green(s string) string { return wrap(green, s) }

// Red returns s in red (failed iterations, rate-limit exhaustion, errors).
func Red(s string) string { return wrap(red, s) }

// Yellow returns s in yellow (skipped tasks, retries, warnings).
func Yellow(s string) string { return wrap(yellow, s) }

// Dim returns s in dim (secondary/contextual info).
func Dim(s string) string { return wrap(dim, s) }

// Bold returns s in bold (headers, labels).
func Bold(s string) string { return wrap(bold, s) }

// Cyan returns s in cyan (execution/worktree IDs).
func Cyan(s string) string { return wrap(cyan, s) }

// Blue returns s in blue (task IDs).
func Blue(s string) string { return wrap(blue, s) }

// Magenta returns s in magenta (agent plugin IDs).
func Magenta(s string) string { return wrap(magenta, s) }

// Greenf formats and returns the result in green.
func Greenf(format string, a ...any) string { return Green(fmt.Sprintf(format, a...)) }

// Redf formats and returns the result in red.
func Redf(format string, a ...any) string { return Red(fmt.Sprintf(format, a...)) }

// Yellowf formats and returns the result in yellow.
func Yellowf(format string, a ...any) string { return Yellow(fmt.Sprintf(format, a...)) }

// Dimf formats and returns the result in dim.
func Dimf(format string, a ...any) string { return Dim(fmt.Sprintf(format, a...)) }

// PadRight pads s with spaces to the given visible width, then wraps in
// color. Use this instead of %-Ns with colored strings — fmt pads by byte
// length (which includes invisible ANSI codes), not visible width.
func PadRight(s string, width int, color func(string) string) string {
	runes := []rune(s)
	if len(runes) >= width {
		return color(s)
	}
	return color(s + spaces(width-len(runes)))
}

// PadLeft pads s with leading spaces to the given visible width, then wraps
// in color.
func PadLeft(s string, width int, color func(string) string) string {
	runes := []rune(s)
	if len(runes) >= width {
		return color(s)
	}
	return color(spaces(width-len(runes)) + s)
}

func spaces(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}
