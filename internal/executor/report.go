package executor

import (
	"fmt"
	"strings"
)

// BuildFailureReport renders the Markdown failure report spec §4.6
// describes: summary counts, per-failure attribution, preserved worktrees,
// and truncated stderr/stdout per failed task.
func BuildFailureReport(results []Result, preserved bool) string {
	var completed, failed, cancelled int
	var totalDuration int64
	for _, r := range results {
		totalDuration += r.DurationMs
		switch r.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}

	var b strings.Builder
	b.WriteString("# Parallel Execution Failure Report\n\n")
	fmt.Fprintf(&b, "- **Total tasks**: %d\n", len(results))
	fmt.Fprintf(&b, "- **Completed**: %d\n", completed)
	fmt.Fprintf(&b, "- **Failed**: %d\n", failed)
	fmt.Fprintf(&b, "- **Cancelled**: %d\n", cancelled)
	if len(results) > 0 {
		fmt.Fprintf(&b, "- **Success rate**: %.1f%%\n", 100*float64(completed)/float64(len(results)))
	}
	fmt.Fprintf(&b, "- **Total duration**: %dms\n\n", totalDuration)

	var preservedList []string
	b.WriteString("## Failures\n\n")
	for _, r := range results {
		if r.Status != StatusFailed {
			continue
		}
		fmt.Fprintf(&b, "### Task %s\n\n", r.TaskID)
		if r.Error != nil {
			fmt.Fprintf(&b, "- **Phase**: %s\n", r.Error.Phase)
			fmt.Fprintf(&b, "- **Error**: %s\n", r.Error.Message)
		}
		fmt.Fprintf(&b, "- **Worktree**: %s\n", r.WorktreeID)
		fmt.Fprintf(&b, "- **Duration**: %dms\n\n", r.DurationMs)

		if r.Stderr != "" {
			b.WriteString("```\n")
			b.WriteString(truncateHead(r.Stderr, stderrTruncateLen))
			b.WriteString("\n```\n\n")
		}
		if r.Stdout != "" {
			b.WriteString("Stdout tail:\n```\n")
			b.WriteString(truncateTail(r.Stdout, stdoutTailLen))
			b.WriteString("\n```\n\n")
		}

		if preserved && r.WorktreeID != "" {
			preservedList = append(preservedList, r.WorktreeID)
		}
	}

	if len(preservedList) > 0 {
		b.WriteString("## Preserved Worktrees\n\n")
		for _, id := range preservedList {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}

	return b.String()
}

func truncateHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
