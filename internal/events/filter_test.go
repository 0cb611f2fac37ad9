package events

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type recorder struct {
	events []Event
}

func (r *recorder) handle(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) stdout() string {
	var b strings.Builder
	for _, ev := range r.events {
		b.WriteString(ev.Stdout)
	}
	return b.String()
}

func checkStream(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	line := 0
	for i, ev := range events {
		if ev.Counter != i+1 {
			t.Errorf("event %d: expected counter %d, got %d", i, i+1, ev.Counter)
		}
		if ev.StartLine != line {
			t.Errorf("event %d: expected start_line %d, got %d", i, line, ev.StartLine)
		}
		if n := strings.Count(ev.Stdout, "\n"); ev.EndLine-ev.StartLine != n {
			t.Errorf("event %d: line span %d does not match %d newlines", i, ev.EndLine-ev.StartLine, n)
		}
		line = ev.EndLine
	}
	last := events[len(events)-1]
	if last.Kind != KindEOF || last.Stdout != "" {
		t.Errorf("expected final empty eof event, got %+v", last)
	}
}

func marker(t *testing.T, data map[string]any) string {
	t.Helper()
	m, err := Marker(data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFilterVerboseLines(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)

	f.Write([]byte("a\nb\n"))
	f.Write([]byte("c"))
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	checkStream(t, rec.events)
	if got := rec.stdout(); got != "a\nb\nc" {
		t.Errorf("expected stdout to reconstruct input, got %q", got)
	}
	if len(rec.events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(rec.events))
	}
	for _, ev := range rec.events[:3] {
		if ev.Kind != KindVerbose {
			t.Errorf("expected verbose, got %s", ev.Kind)
		}
	}
	if f.Count() != 3 {
		t.Errorf("expected count 3, got %d", f.Count())
	}
}

func TestFilterCloseWithoutOutput(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)
	f.Close()

	if len(rec.events) != 1 {
		t.Fatalf("expected only eof, got %d events", len(rec.events))
	}
	checkStream(t, rec.events)
}

func TestFilterAfterClose(t *testing.T) {
	f := NewFilter(nil)
	f.Close()
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from write, got %v", err)
	}
	if err := f.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from second close, got %v", err)
	}
}

func TestFilterStructuredEvent(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)

	begin := marker(t, map[string]any{"uuid": "ev-1", "event": "archive_created"})
	end := marker(t, map[string]any{})

	f.Write([]byte("before\n" + begin + "line one\n"))
	f.Write([]byte("line two\n"))
	f.Write([]byte(end + "after\n"))
	f.Close()

	checkStream(t, rec.events)
	if got := rec.stdout(); got != "before\nline one\nline two\nafter\n" {
		t.Errorf("markers should not appear in stdout, got %q", got)
	}

	var structured []Event
	for _, ev := range rec.events {
		if ev.Kind == KindStructured {
			structured = append(structured, ev)
		}
	}
	if len(structured) != 1 {
		t.Fatalf("expected one structured event, got %d", len(structured))
	}
	ev := structured[0]
	if ev.UUID != "ev-1" || ev.Name != "archive_created" {
		t.Errorf("unexpected context: %+v", ev)
	}
	if ev.Stdout != "line one\nline two\n" || ev.EndLine-ev.StartLine != 2 {
		t.Errorf("unexpected structured payload: %+v", ev)
	}
}

func TestFilterMarkerSplitAcrossWrites(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)

	m := marker(t, map[string]any{"uuid": "ev-2"})
	input := "x\n" + m + "inside\n" + marker(t, map[string]any{}) + "y\n"

	for i := 0; i < len(input); i += 3 {
		f.Write([]byte(input[i:min(i+3, len(input))]))
	}
	f.Close()

	checkStream(t, rec.events)
	if strings.Contains(rec.stdout(), "\x1b") {
		t.Errorf("marker bytes leaked into stdout: %q", rec.stdout())
	}
	found := false
	for _, ev := range rec.events {
		if ev.UUID == "ev-2" && ev.Stdout == "inside\n" {
			found = true
		}
	}
	if !found {
		t.Errorf("structured event missing: %+v", rec.events)
	}
}

func TestFilterEmptyContextAtBoundary(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)

	f.Write([]byte(marker(t, map[string]any{"uuid": "a"}) + marker(t, map[string]any{"uuid": "b"}) + "out\n"))
	f.Close()

	checkStream(t, rec.events)
	if rec.events[0].UUID != "a" || rec.events[0].Stdout != "" {
		t.Errorf("expected empty structured event for a, got %+v", rec.events[0])
	}
	if rec.events[1].UUID != "b" || rec.events[1].Stdout != "out\n" {
		t.Errorf("expected b to own trailing output at close, got %+v", rec.events[1])
	}
}

func TestFilterIgnoresPlainEraseLine(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)

	f.Write([]byte("\x1b[Kprogress 10%\r"))
	if len(rec.events) != 1 {
		t.Fatalf("terminal escapes should pass through immediately, got %d events", len(rec.events))
	}

	f.Write([]byte("tail\x1b[K"))
	f.Close()
	checkStream(t, rec.events)
	if got := rec.stdout(); got != "\x1b[Kprogress 10%\rtail\x1b[K" {
		t.Errorf("unexpected stdout %q", got)
	}
}

func TestFilterUndecodableMarkerClearsContext(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec.handle)

	f.Write([]byte(marker(t, map[string]any{"uuid": "a"}) + "x\n" + "\x1b[Kabc\x1b[3D\x1b[K"))
	f.Write([]byte("plain\n"))
	f.Close()

	checkStream(t, rec.events)
	last := rec.events[len(rec.events)-2]
	if last.Kind != KindVerbose || last.Stdout != "plain\n" {
		t.Errorf("expected verbose after undecodable marker, got %+v", last)
	}
}

func TestJSONLWriterStampsJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-7")
	f := NewFilter(Tee(w.Handle, nil))

	f.Write([]byte("hello\n"))
	f.Close()

	if err := w.Err(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 json lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"job_id":"job-7"`) || !strings.Contains(lines[1], `"kind":"eof"`) {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
