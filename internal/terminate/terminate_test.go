package terminate

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type signal struct {
	pid int
	sig syscall.Signal
}

type fakeWalker struct {
	pids []int
	err  error
}

func (w fakeWalker) Descendants(pid int) ([]int, error) { return w.pids, w.err }

func newFake(walker TreeWalker, killErr map[int]error) (*Terminator, *[]signal, *[]time.Duration, *bytes.Buffer) {
	var sent []signal
	var slept []time.Duration
	var logs bytes.Buffer
	term := &Terminator{
		Walker: walker,
		Grace:  DefaultGrace,
		Kill: func(pid int, sig syscall.Signal) error {
			sent = append(sent, signal{pid, sig})
			return killErr[pid]
		},
		Sleep:  func(d time.Duration) { slept = append(slept, d) },
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	return term, &sent, &slept, &logs
}

func TestTerminateUnwrappedSendsSIGTERM(t *testing.T) {
	term, sent, slept, _ := newFake(fakeWalker{pids: []int{11, 12}}, nil)

	term.Terminate(10, []string{"borg", "create"}, "bwrap", true)

	want := []signal{{10, unix.SIGTERM}}
	if !slices.Equal(*sent, want) {
		t.Errorf("expected %v, got %v", want, *sent)
	}
	if len(*slept) != 1 || (*slept)[0] != DefaultGrace {
		t.Errorf("expected one grace sleep, got %v", *slept)
	}
}

func TestTerminateWrappedKillsTreeRootLast(t *testing.T) {
	term, sent, _, _ := newFake(fakeWalker{pids: []int{11, 12, 13}}, nil)

	term.Terminate(10, []string{"bwrap", "--unshare-all", "borg"}, "bwrap", false)

	want := []signal{{11, unix.SIGKILL}, {12, unix.SIGKILL}, {13, unix.SIGKILL}, {10, unix.SIGKILL}}
	if !slices.Equal(*sent, want) {
		t.Errorf("expected %v, got %v", want, *sent)
	}
}

func TestTerminateEnumerationFailureSignalsRoot(t *testing.T) {
	term, sent, _, _ := newFake(fakeWalker{err: errors.New("permission denied")}, nil)

	term.Terminate(10, []string{"bwrap", "rsync"}, "bwrap", true)

	want := []signal{{10, unix.SIGKILL}}
	if !slices.Equal(*sent, want) {
		t.Errorf("expected root-only kill, got %v", *sent)
	}
}

func TestTerminateAlreadyExitedIsSwallowed(t *testing.T) {
	term, _, slept, logs := newFake(fakeWalker{}, map[int]error{10: unix.ESRCH})

	term.Terminate(10, []string{"ssh"}, "bwrap", false)

	if !strings.Contains(logs.String(), "Attempted to timeout already finished job") {
		t.Errorf("expected warning, got %q", logs.String())
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("expected warn level, got %q", logs.String())
	}
	if len(*slept) != 0 {
		t.Errorf("no grace period expected for a finished job, got %v", *slept)
	}

	logs.Reset()
	term.Terminate(10, []string{"ssh"}, "bwrap", true)
	if !strings.Contains(logs.String(), "Attempted to cancel already finished job") {
		t.Errorf("expected cancel wording, got %q", logs.String())
	}
}

func TestTerminateDescendantGoneIsIgnored(t *testing.T) {
	term, sent, _, logs := newFake(fakeWalker{pids: []int{11}}, map[int]error{11: unix.ESRCH})

	term.Terminate(10, []string{"bwrap", "borg"}, "bwrap", true)

	if len(*sent) != 2 || (*sent)[1] != (signal{10, unix.SIGKILL}) {
		t.Errorf("root should still be killed, got %v", *sent)
	}
	if strings.Contains(logs.String(), "WARN") {
		t.Errorf("unexpected warning: %s", logs.String())
	}
}

func TestTerminateIdempotent(t *testing.T) {
	term, sent, _, _ := newFake(nil, nil)
	for range 3 {
		term.Terminate(10, []string{"bwrap", "borg"}, "bwrap", true)
	}
	if len(*sent) != 3 {
		t.Errorf("expected one signal per call, got %v", *sent)
	}
}

func TestIsolated(t *testing.T) {
	tests := []struct {
		argv    []string
		wrapper string
		want    bool
	}{
		{[]string{"bwrap", "--ro-bind", "/", "/", "borg"}, "bwrap", true},
		{[]string{"/usr/bin/bwrap", "borg"}, "bwrap", true},
		{[]string{"borg", "create"}, "bwrap", false},
		{[]string{"borg"}, "", false},
	}
	for _, tt := range tests {
		if got := Isolated(tt.argv, tt.wrapper); got != tt.want {
			t.Errorf("Isolated(%v, %q) = %v, want %v", tt.argv, tt.wrapper, got, tt.want)
		}
	}
}

func TestRootOnlyReportsError(t *testing.T) {
	if _, err := (RootOnly{}).Descendants(1); err == nil {
		t.Error("expected RootOnly to report unsupported enumeration")
	}
}
