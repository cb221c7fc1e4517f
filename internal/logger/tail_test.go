package logger

import (
	"bytes"
	"fmt"
	"testing"
)

func TestTailKeepsLastLines(t *testing.T) {
	tail := NewTail(3, nil)
	for i := 0; i < 10; i++ {
		_, _ = fmt.Fprintf(tail, "line-%d\n", i)
	}
	got := tail.Lines()
	want := []string{"line-7", "line-8", "line-9"}
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: expected %q got %q", i, want[i], got[i])
		}
	}
}

func TestTailPartialLine(t *testing.T) {
	tail := NewTail(5, nil)
	_, _ = tail.Write([]byte("complete\nincomp"))
	got := tail.Lines()
	if len(got) != 2 || got[0] != "complete" || got[1] != "incomp" {
		t.Errorf("unexpected lines: %v", got)
	}
}

func TestTailForwards(t *testing.T) {
	var buf bytes.Buffer
	tail := NewTail(2, &buf)
	_, _ = tail.Write([]byte("hello\n"))
	if buf.String() != "hello\n" {
		t.Errorf("underlying writer not reached: %q", buf.String())
	}
}

func TestWriterNilWhenUnconfigured(t *testing.T) {
	if w := (Config{}).Writer("mihomo"); w != nil {
		t.Error("expected nil writer for empty config")
	}
}
