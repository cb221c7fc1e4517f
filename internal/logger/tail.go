package logger

import (
	"bytes"
	"io"
	"sync"
)

// Tail is an io.Writer keeping the last N complete lines written through it.
// It forwards writes to an optional underlying writer and is safe for
// concurrent use. The supervisor feeds worker output through one of these so
// a crash artifact can include the final lines of output.
type Tail struct {
	mu      sync.Mutex
	limit   int
	lines   []string
	partial bytes.Buffer
	next    io.Writer
}

// NewTail returns a Tail retaining up to limit lines, forwarding to next when
// next is non-nil.
func NewTail(limit int, next io.Writer) *Tail {
	if limit <= 0 {
		limit = 100
	}
	return &Tail{limit: limit, next: next}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.partial.Write(p)
	for {
		b := t.partial.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		t.append(string(b[:i]))
		t.partial.Next(i + 1)
	}
	t.mu.Unlock()

	if t.next != nil {
		return t.next.Write(p)
	}
	return len(p), nil
}

// append assumes t.mu is held.
func (t *Tail) append(line string) {
	if len(t.lines) == t.limit {
		copy(t.lines, t.lines[1:])
		t.lines[len(t.lines)-1] = line
		return
	}
	t.lines = append(t.lines, line)
}

// Lines returns a copy of the retained lines, oldest first. Any unterminated
// trailing output is included as the final entry.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.lines...)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}
