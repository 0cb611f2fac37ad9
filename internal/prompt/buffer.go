package prompt

const (
	// SearchWindow bounds how many trailing bytes of unconsumed output are
	// scanned per match attempt.
	SearchWindow = 200

	// MaxBuffer caps the unconsumed output retained between matches.
	MaxBuffer = 64 * 1024
)

// Result identifies the rule that matched.
type Result struct {
	Index int
	Rule  Rule
}

// Buffer accumulates child output not yet consumed by a match.
type Buffer struct {
	data []byte
}

// Feed appends output. Bytes older than MaxBuffer are dropped.
func (b *Buffer) Feed(p []byte) {
	b.data = append(b.data, p...)
	if over := len(b.data) - MaxBuffer; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Reset discards all unconsumed output.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Match tries the table's rules in order against the trailing SearchWindow
// bytes. On a match the buffer is consumed through the end of the match, so
// the same occurrence never matches twice.
func (b *Buffer) Match(t *Table) (Result, bool) {
	if t == nil || len(b.data) == 0 {
		return Result{}, false
	}
	start := len(b.data) - SearchWindow
	if start < 0 {
		start = 0
	}
	window := b.data[start:]

	for i, r := range t.rules {
		loc := r.Pattern.FindIndex(window)
		if loc == nil {
			continue
		}
		rest := b.data[start+loc[1]:]
		b.data = append(b.data[:0], rest...)
		return Result{Index: i, Rule: r}, true
	}
	return Result{}, false
}
