package agent

import (
	"strings"
	"testing"
)

func TestTailBufferUnderLimit(t *testing.T) {
	b := newTailBuffer(100)
	b.write("hello ")
	b.write("world")
	if got, want := b.String(), "hello world"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestTailBufferTruncatesToTail(t *testing.T) {
	limit := len(truncationPrefix) + 9
	b := newTailBuffer(limit)
	b.write(strings.Repeat("0123456789", 6)) // 60 chars, well over limit
	got := b.String()
	want := truncationPrefix + "123456789"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if len(got) > limit {
		t.Fatalf("String() len = %d, want <= %d", len(got), limit)
	}
}

func TestTailBufferManySmallWrites(t *testing.T) {
	const tailLen = 10
	limit := len(truncationPrefix) + tailLen
	b := newTailBuffer(limit)

	var written []byte
	for i := 0; i < 70; i++ {
		c := byte('a' + byte(i%26))
		b.write(string(c))
		written = append(written, c)
	}

	got := b.String()
	if len(got) > limit {
		t.Fatalf("String() len = %d, want <= %d", len(got), limit)
	}
	wantTail := string(written[len(written)-tailLen:])
	if got != truncationPrefix+wantTail {
		t.Fatalf("String() = %q, want %q", got, truncationPrefix+wantTail)
	}
}
