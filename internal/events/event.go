// Package events turns raw terminal output of a job into an ordered stream
// of structured events.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Kind classifies an event.
type Kind string

const (
	KindVerbose    Kind = "verbose"
	KindStructured Kind = "structured"
	KindEOF        Kind = "eof"
)

// Event is one slice of job output. Counters start at 1 and have no gaps;
// EndLine-StartLine equals the number of newlines in Stdout.
type Event struct {
	Counter   int            `json:"counter"`
	Kind      Kind           `json:"kind"`
	Name      string         `json:"event,omitempty"`
	Stdout    string         `json:"stdout"`
	StartLine int            `json:"start_line"`
	EndLine   int            `json:"end_line"`
	UUID      string         `json:"uuid,omitempty"`
	Data      map[string]any `json:"event_data,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
}

// Handler receives events in order.
type Handler func(Event)

// Tee fans one event out to several handlers in order.
func Tee(handlers ...Handler) Handler {
	return func(ev Event) {
		for _, h := range handlers {
			if h != nil {
				h(ev)
			}
		}
	}
}

// JSONLWriter writes events as newline-delimited JSON.
type JSONLWriter struct {
	mu    sync.Mutex
	w     io.Writer
	jobID string
	err   error
}

// NewJSONLWriter returns a writer that stamps every event with jobID.
func NewJSONLWriter(w io.Writer, jobID string) *JSONLWriter {
	return &JSONLWriter{w: w, jobID: jobID}
}

// Handle implements Handler. The first write error is kept and returned by
// Err; later events are dropped.
func (j *JSONLWriter) Handle(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return
	}
	if ev.JobID == "" {
		ev.JobID = j.jobID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		j.err = fmt.Errorf("marshaling event %d: %w", ev.Counter, err)
		return
	}
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		j.err = fmt.Errorf("writing event %d: %w", ev.Counter, err)
	}
}

// Err returns the first error encountered.
func (j *JSONLWriter) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
