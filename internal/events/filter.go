package events

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrClosed is returned by Write and Close once the filter has been closed.
var ErrClosed = errors.New("event filter closed")

// A marker is base64 encoded JSON split into segments, each followed by a
// cursor-left sequence, the whole wrapped in erase-line sequences so that it
// is invisible on a real terminal:
//
//	ESC[K <b64> ESC[<n>D <b64> ESC[<n>D ... ESC[K
var (
	markerRe        = regexp.MustCompile(`\x1b\[K((?:[A-Za-z0-9+/=]+\x1b\[\d+D)+)\x1b\[K`)
	partialMarkerRe = regexp.MustCompile(`^\x1b\[K(?:[A-Za-z0-9+/=]+\x1b\[\d+D)*[A-Za-z0-9+/=]*(?:\x1b(?:\[\d*)?)?$`)
	cursorRe        = regexp.MustCompile(`\x1b\[\d+D`)
)

const (
	eraseLine = "\x1b[K"

	// maxHold bounds output held back while waiting for a marker to complete
	// or a structured context to close.
	maxHold = 1 << 20

	markerSegment = 1024
)

// Filter is an io.WriteCloser that converts job output into events. It is
// written to by a single producer; Close must be called once at stream end.
type Filter struct {
	mu      sync.Mutex
	handler Handler
	counter int
	line    int
	emitted int
	pending []byte
	current map[string]any
	closed  bool
}

// NewFilter returns a filter delivering events to h.
func NewFilter(h Handler) *Filter {
	return &Filter{handler: h, counter: 1}
}

// Write consumes one chunk of output.
func (f *Filter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	f.pending = append(f.pending, p...)

	for {
		loc := markerRe.FindSubmatchIndex(f.pending)
		if loc == nil {
			break
		}
		next := decodeMarker(f.pending[loc[2]:loc[3]])
		f.flush(f.pending[:loc[0]], true)
		f.pending = append([]byte(nil), f.pending[loc[1]:]...)
		f.setContext(next)
	}

	if f.current != nil {
		// Output belongs to the open structured event until the next marker.
		if len(f.pending) > maxHold {
			f.flush(f.pending, false)
			f.pending = nil
		}
		return len(p), nil
	}

	hold := holdIndex(f.pending)
	if len(f.pending)-hold > maxHold {
		hold = len(f.pending)
	}
	f.flush(f.pending[:hold], false)
	f.pending = append([]byte(nil), f.pending[hold:]...)
	return len(p), nil
}

// Close flushes buffered output as a final event, then emits exactly one
// eof event.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.closed = true

	if len(f.pending) > 0 {
		f.flush(f.pending, false)
		f.pending = nil
	}

	f.deliver(Event{
		Counter:   f.counter,
		Kind:      KindEOF,
		Name:      "EOF",
		StartLine: f.line,
		EndLine:   f.line,
	})
	f.counter++
	return nil
}

// Count returns the number of events emitted so far, not counting eof.
func (f *Filter) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emitted
}

// flush emits b under the current context. At a marker boundary an open
// context produces an event even when no output was attributed to it.
func (f *Filter) flush(b []byte, boundary bool) {
	if f.current != nil {
		if len(b) > 0 || boundary {
			f.emit(KindStructured, string(b))
		}
		return
	}
	if len(b) == 0 {
		return
	}
	for _, line := range strings.SplitAfter(string(b), "\n") {
		if line != "" {
			f.emit(KindVerbose, line)
		}
	}
}

func (f *Filter) emit(kind Kind, stdout string) {
	n := strings.Count(stdout, "\n")
	ev := Event{
		Counter:   f.counter,
		Kind:      kind,
		Stdout:    stdout,
		StartLine: f.line,
		EndLine:   f.line + n,
	}
	if kind == KindStructured {
		ev.Data = f.current
		ev.UUID, _ = f.current["uuid"].(string)
		ev.Name, _ = f.current["event"].(string)
	} else {
		ev.Name = string(KindVerbose)
	}
	f.counter++
	f.line += n
	f.emitted++
	f.deliver(ev)
}

func (f *Filter) deliver(ev Event) {
	if f.handler != nil {
		f.handler(ev)
	}
}

func (f *Filter) setContext(data map[string]any) {
	if id, ok := data["uuid"].(string); ok && id != "" {
		f.current = data
		return
	}
	f.current = nil
}

func decodeMarker(group []byte) map[string]any {
	raw := cursorRe.ReplaceAll(group, nil)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(decoded, raw)
	if err != nil {
		return map[string]any{}
	}
	var data map[string]any
	if err := json.Unmarshal(decoded[:n], &data); err != nil || data == nil {
		return map[string]any{}
	}
	return data
}

// holdIndex returns where a possibly incomplete marker starts in b, or
// len(b) when nothing needs holding back.
func holdIndex(b []byte) int {
	off := 0
	for {
		i := bytes.Index(b[off:], []byte(eraseLine))
		if i < 0 {
			break
		}
		if partialMarkerRe.Match(b[off+i:]) {
			return off + i
		}
		off += i + 1
	}
	switch {
	case bytes.HasSuffix(b, []byte("\x1b[")):
		return len(b) - 2
	case bytes.HasSuffix(b, []byte("\x1b")):
		return len(b) - 1
	}
	return len(b)
}

// Marker encodes data as an in-band event marker. Writing a marker whose
// data carries a "uuid" opens a structured event; a marker without one
// closes it.
func Marker(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding marker: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString(raw)

	var b strings.Builder
	b.WriteString(eraseLine)
	for len(enc) > 0 {
		n := min(markerSegment, len(enc))
		fmt.Fprintf(&b, "%s\x1b[%dD", enc[:n], n)
		enc = enc[n:]
	}
	b.WriteString(eraseLine)
	return b.String(), nil
}
