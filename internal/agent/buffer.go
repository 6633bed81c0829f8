package agent

import "strings"

// maxCapturedChars bounds how much of a stream the runtime keeps in memory
// (spec §4.3, §8): long-running agent executions must not exhaust process
// memory just because the agent is chatty on stdout/stderr.
const maxCapturedChars = 2_000_000

const truncationPrefix = "[...agent output truncated in memory...]\n"

// tailBuffer is a bounded append-only buffer that keeps only the most recent
// maxCapturedChars characters written to it, prefixing the retained tail with
// truncationPrefix once anything has been dropped. It is not safe for
// concurrent use; callers serialize writes themselves (stdout and stderr each
// get their own buffer fed from a single reader goroutine).
type tailBuffer struct {
	limit    int
	buf      strings.Builder
	overflow strings.Builder
	dropped  bool
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = maxCapturedChars
	}
	return &tailBuffer{limit: limit}
}

// write appends chunk, retaining only the trailing limit characters overall.
// Once anything has been dropped, String prepends truncationPrefix, so the
// retained tail itself must be capped at limit-len(truncationPrefix): prefix
// plus tail must never exceed limit (spec §4.3, §8).
func (b *tailBuffer) write(chunk string) {
	budget := b.limit
	if b.dropped {
		budget = b.limit - len(truncationPrefix)
		if budget < 0 {
			budget = 0
		}
	}
	if b.buf.Len()+len(chunk) <= budget {
		b.buf.WriteString(chunk)
		return
	}

	// Over budget: fold existing content plus chunk and keep the tail,
	// leaving room for truncationPrefix.
	combined := b.buf.String() + chunk
	keep := b.limit - len(truncationPrefix)
	if keep < 0 {
		keep = 0
	}
	if len(combined) > keep {
		combined = combined[len(combined)-keep:]
	}
	b.dropped = true
	b.buf.Reset()
	b.buf.WriteString(combined)
}

// String returns the captured tail, with the truncation prefix prepended if
// any content was dropped.
func (b *tailBuffer) String() string {
	if !b.dropped {
		return b.buf.String()
	}
	return truncationPrefix + b.buf.String()
}
