package process

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// tail keeps the last n lines of output with ANSI sequences removed.
type tail struct {
	lines []string
	size  int
	next  int
	full  bool
}

func newTail(size int) *tail {
	return &tail{lines: make([]string, size), size: size}
}

func (t *tail) add(line string) {
	if t.size == 0 {
		return
	}
	t.lines[t.next] = ansi.Strip(line)
	t.next = (t.next + 1) % t.size
	if t.next == 0 {
		t.full = true
	}
}

func (t *tail) String() string {
	var out []string
	if t.full {
		out = append(out, t.lines[t.next:]...)
	}
	out = append(out, t.lines[:t.next]...)
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
