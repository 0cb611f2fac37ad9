// Package prompt holds the ordered pattern → response table used to answer
// interactive prompts (passwords, passphrases) of a supervised job.
//
// Order is significant: the first rule whose pattern matches wins. Two
// reserved rules, NoOutput and StreamEnded, are always appended after the
// caller's rules so that a quiet tick and a closed stream resolve like any
// other non-answering match.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
)

var (
	// ErrUnordered is returned when a table is decoded from an unordered
	// container (a JSON object) instead of an ordered list.
	ErrUnordered = errors.New("prompt table must be an ordered list")

	// ErrInvalidRule is returned for rules with a missing or invalid pattern.
	ErrInvalidRule = errors.New("invalid prompt rule")
)

// Secret is a decrypted credential sent in answer to a prompt. It never
// prints its value through fmt or slog.
type Secret string

const redacted = "********"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// Reveal returns the underlying value. Only the supervisor writing to the
// child's terminal should call it.
func (s Secret) Reveal() string { return string(s) }

// Rule pairs a pattern with an optional response. A nil (or empty) response
// matches without answering.
type Rule struct {
	Pattern  *regexp.Regexp
	Response *Secret

	sentinel string
}

// Reserved rules appended to every table.
var (
	NoOutput    = Rule{sentinel: "no output"}
	StreamEnded = Rule{sentinel: "stream ended"}
)

// Reserved reports whether r is one of NoOutput or StreamEnded.
func (r Rule) Reserved() bool { return r.sentinel != "" }

// Answers reports whether a match on r writes a response to the child.
func (r Rule) Answers() bool {
	return !r.Reserved() && r.Response != nil && *r.Response != ""
}

func (r Rule) String() string {
	if r.Reserved() {
		return "<" + r.sentinel + ">"
	}
	if r.Pattern == nil {
		return "<nil>"
	}
	return r.Pattern.String()
}

// Table is an ordered association list of prompt rules. The zero value and a
// nil *Table are both valid empty tables.
type Table struct {
	rules []Rule
}

// New builds a table from rules in the given order.
func New(rules ...Rule) (*Table, error) {
	t := &Table{}
	for i, r := range rules {
		if r.Reserved() {
			return nil, fmt.Errorf("%w: rule %d is reserved", ErrInvalidRule, i)
		}
		if r.Pattern == nil {
			return nil, fmt.Errorf("%w: rule %d has no pattern", ErrInvalidRule, i)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// Add appends a rule answering pattern with response.
func (t *Table) Add(pattern string, response Secret) error {
	re, err := compile(pattern)
	if err != nil {
		return err
	}
	t.rules = append(t.rules, Rule{Pattern: re, Response: &response})
	return nil
}

// AddSilent appends a rule that matches pattern without answering it.
func (t *Table) AddSilent(pattern string) error {
	re, err := compile(pattern)
	if err != nil {
		return err
	}
	t.rules = append(t.rules, Rule{Pattern: re})
	return nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidRule)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return re, nil
}

// Len returns the number of caller-supplied rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Rules returns the caller's rules followed by NoOutput and StreamEnded.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, t.Len()+2)
	if t != nil {
		out = append(out, t.rules...)
	}
	return append(out, NoOutput, StreamEnded)
}

// NoOutputIndex is the position of NoOutput in Rules.
func (t *Table) NoOutputIndex() int { return t.Len() }

// StreamEndedIndex is the position of StreamEnded in Rules.
func (t *Table) StreamEndedIndex() int { return t.Len() + 1 }

type wireRule struct {
	Pattern  string  `json:"pattern"`
	Response *string `json:"response"`
}

// MarshalJSON encodes the caller's rules as an ordered list. Responses are
// written in clear; the wire form is only ever handed to the job runner.
func (t *Table) MarshalJSON() ([]byte, error) {
	wire := make([]wireRule, 0, t.Len())
	if t != nil {
		for _, r := range t.rules {
			w := wireRule{Pattern: r.Pattern.String()}
			if r.Response != nil {
				v := r.Response.Reveal()
				w.Response = &v
			}
			wire = append(wire, w)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the ordered list form. Objects are rejected with
// ErrUnordered because their key order is not preserved.
func (t *Table) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return ErrUnordered
	}

	var wire []wireRule
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding prompt table: %w", err)
	}

	t.rules = t.rules[:0]
	for i, w := range wire {
		var err error
		if w.Response == nil {
			err = t.AddSilent(w.Pattern)
		} else {
			err = t.Add(w.Pattern, Secret(*w.Response))
		}
		if err != nil {
			return fmt.Errorf("prompt rule %d: %w", i, err)
		}
	}
	return nil
}
