// Package logbuf keeps the tail of a job's terminal output so failures can
// be logged with context.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is a thread-safe ring buffer holding the last N lines written to it.
// Terminal line endings are normalized: "\r\n" ends a line, and a bare "\r"
// rewinds it, so a progress meter keeps only its final state.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	size    int
	pos     int
	full    bool
	partial bytes.Buffer
}

// New creates a ring buffer that stores the last n lines. n must be positive.
func New(n int) *Ring {
	return &Ring{lines: make([]string, n), size: n}
}

func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			r.partial.Write(p)
			break
		}
		r.partial.Write(p[:i])
		r.addLine(lastSegment(r.partial.String()))
		r.partial.Reset()
		p = p[i+1:]
	}
	return n, nil
}

// lastSegment drops whatever a carriage return overwrote.
func lastSegment(line string) string {
	line = strings.TrimSuffix(line, "\r")
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		return line[i+1:]
	}
	return line
}

func (r *Ring) addLine(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns all stored lines in order, oldest first. An unterminated
// final line is included.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []string
	if r.full {
		result = make([]string, 0, r.size+1)
		result = append(result, r.lines[r.pos:]...)
	}
	result = append(result, r.lines[:r.pos]...)
	if r.partial.Len() > 0 {
		result = append(result, lastSegment(r.partial.String()))
	}
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// String joins the stored lines with newlines.
func (r *Ring) String() string {
	return strings.Join(r.Lines(), "\n")
}
