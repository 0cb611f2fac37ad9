package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/warden/internal/events"
	"github.com/benaskins/warden/internal/prompt"
	"github.com/benaskins/warden/internal/terminate"
)

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) handle(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, ev := range c.events {
		b.WriteString(ev.Stdout)
	}
	return b.String()
}

func (c *capture) last() events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return events.Event{}
	}
	return c.events[len(c.events)-1]
}

type countingTerminator struct {
	mu       sync.Mutex
	calls    int
	isCancel []bool
	inner    *terminate.Terminator
}

func newCountingTerminator() *countingTerminator {
	inner := terminate.New()
	inner.Grace = 0
	return &countingTerminator{inner: inner}
}

func (c *countingTerminator) Terminate(pid int, argv []string, wrapper string, isCancel bool) {
	c.mu.Lock()
	c.calls++
	c.isCancel = append(c.isCancel, isCancel)
	c.mu.Unlock()
	c.inner.Terminate(pid, argv, wrapper, isCancel)
}

func (c *countingTerminator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func baseConfig(t *testing.T, script string) (RunConfig, *capture) {
	t.Helper()
	rec := &capture{}
	return RunConfig{
		Args:         []string{"/bin/sh", "-c", script},
		Dir:          t.TempDir(),
		Env:          map[string]string{"PATH": os.Getenv("PATH")},
		PollInterval: 100 * time.Millisecond,
		Output:       events.NewFilter(rec.handle),
		Extra:        &ExtraFields{},
		Terminator:   newCountingTerminator(),
	}, rec
}

func TestRunSuccessful(t *testing.T) {
	cfg, rec := baseConfig(t, "echo hello")

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusSuccessful || out.ExitCode != 0 {
		t.Errorf("expected successful/0, got %+v", out)
	}
	if !strings.Contains(rec.stdout(), "hello") {
		t.Errorf("expected output, got %q", rec.stdout())
	}
	if last := rec.last(); last.Kind != events.KindEOF {
		t.Errorf("expected eof event last, got %+v", last)
	}
	if cfg.Extra.Explanation() != "" {
		t.Errorf("unexpected explanation %q", cfg.Extra.Explanation())
	}
}

func TestRunNonzeroExitFails(t *testing.T) {
	cfg, _ := baseConfig(t, "exit 3")

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ExitCode != 3 {
		t.Errorf("expected failed/3, got %+v", out)
	}
}

func TestRunAnswersPrompt(t *testing.T) {
	cfg, rec := baseConfig(t, `printf "Enter passphrase: "; read pw; echo "got $pw"`)
	cfg.Prompts = &prompt.Table{}
	if err := cfg.Prompts.Add(`passphrase: $`, "s3cret"); err != nil {
		t.Fatal(err)
	}
	cfg.JobTimeout = 10 * time.Second

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccessful {
		t.Fatalf("expected successful, got %+v (output %q)", out, rec.stdout())
	}
	stdout := rec.stdout()
	if !strings.Contains(stdout, "got s3cret") {
		t.Errorf("expected answered prompt, got %q", stdout)
	}
	if n := strings.Count(stdout, "s3cret"); n != 1 {
		t.Errorf("secret should not be echoed, found %d occurrences in %q", n, stdout)
	}
}

func TestRunEnvironmentNotInherited(t *testing.T) {
	t.Setenv("WARDEN_LEAK", "leaked")
	cfg, rec := baseConfig(t, `echo "leak=${WARDEN_LEAK:-none} job=$JOB"`)
	cfg.Env["JOB"] = "nightly"

	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.stdout(), "leak=none job=nightly") {
		t.Errorf("unexpected environment: %q", rec.stdout())
	}
}

func TestRunIdleTimeoutCancels(t *testing.T) {
	cfg, _ := baseConfig(t, "sleep 30")
	cfg.IdleTimeout = 300 * time.Millisecond

	start := time.Now()
	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCanceled {
		t.Errorf("expected canceled, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("idle timeout took too long: %v", elapsed)
	}
	if cfg.Extra.Explanation() != ExplanationIdle {
		t.Errorf("unexpected explanation %q", cfg.Extra.Explanation())
	}
}

func TestRunOutputResetsIdleClock(t *testing.T) {
	cfg, _ := baseConfig(t, "for i in 1 2 3 4 5 6; do echo $i; sleep 0.1; done")
	cfg.IdleTimeout = 400 * time.Millisecond

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccessful {
		t.Errorf("steady output should not trip the idle timeout, got %+v", out)
	}
}

func TestRunJobTimeoutFails(t *testing.T) {
	cfg, _ := baseConfig(t, "while :; do echo tick; sleep 0.1; done")
	cfg.JobTimeout = 500 * time.Millisecond
	term := cfg.Terminator.(*countingTerminator)

	start := time.Now()
	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed {
		t.Errorf("expected failed, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("job timeout took too long: %v", elapsed)
	}
	if cfg.Extra.Explanation() != ExplanationTimeout {
		t.Errorf("expected timeout explanation, got %q", cfg.Extra.Explanation())
	}
	if term.count() == 0 {
		t.Error("expected termination to be requested")
	}
	if term.isCancel[0] {
		t.Error("timeout termination should not be flagged as cancel")
	}
}

func TestRunCancelPredicate(t *testing.T) {
	cfg, _ := baseConfig(t, "sleep 30")
	cfg.JobTimeout = time.Hour

	var calls int
	cfg.Canceled = func() (bool, error) {
		calls++
		return calls >= 2, nil
	}
	term := cfg.Terminator.(*countingTerminator)

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCanceled {
		t.Errorf("expected canceled, got %+v", out)
	}
	if calls != 2 {
		t.Errorf("predicate should not be consulted after cancellation, got %d calls", calls)
	}
	if term.count() == 0 || !term.isCancel[0] {
		t.Error("expected a cancel termination")
	}
}

func TestRunCancelPredicateError(t *testing.T) {
	cfg, _ := baseConfig(t, "sleep 30")
	cfg.Canceled = func() (bool, error) { return false, errors.New("database unavailable") }

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusError {
		t.Errorf("expected error, got %+v", out)
	}
	if cfg.Extra.Explanation() != ExplanationSystemError {
		t.Errorf("expected system error explanation, got %q", cfg.Extra.Explanation())
	}
	if got := cfg.Extra.Map()[ExplanationKey]; got != ExplanationSystemError {
		t.Errorf("expected map entry, got %q", got)
	}
}

func TestRunCancelPredicatePanic(t *testing.T) {
	cfg, _ := baseConfig(t, "sleep 30")
	cfg.Canceled = func() (bool, error) { panic("boom") }

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusError {
		t.Errorf("expected error, got %+v", out)
	}
}

func TestRunIdleBeatsJobTimeout(t *testing.T) {
	cfg, _ := baseConfig(t, "sleep 30")
	cfg.PollInterval = 300 * time.Millisecond
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.JobTimeout = 100 * time.Millisecond

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCanceled {
		t.Errorf("idle timeout should win over job timeout, got %+v", out)
	}
	if cfg.Extra.Explanation() != ExplanationTimeout {
		t.Errorf("explanation should be written once, got %q", cfg.Extra.Explanation())
	}
}

func TestRunContextCancel(t *testing.T) {
	cfg, _ := baseConfig(t, "sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	out, err := Run(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCanceled {
		t.Errorf("expected canceled, got %+v", out)
	}
}

type closeCounter struct {
	io.Writer
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestRunClosesOutputOnce(t *testing.T) {
	cfg, _ := baseConfig(t, "echo x")
	cc := &closeCounter{Writer: io.Discard}
	cfg.Output = cc

	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if cc.closes != 1 {
		t.Errorf("expected one close, got %d", cc.closes)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	cfg, _ := baseConfig(t, "")
	cfg.Args = []string{"warden-no-such-binary"}

	out, err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if out.Status != StatusError || out.ExitCode != ExitUnknown {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestRunPreconditions(t *testing.T) {
	if _, err := Run(context.Background(), RunConfig{Output: events.NewFilter(nil)}); !errors.Is(err, ErrNoArgs) {
		t.Errorf("expected ErrNoArgs, got %v", err)
	}
	if _, err := Run(context.Background(), RunConfig{Args: []string{"true"}}); !errors.Is(err, ErrNoOutput) {
		t.Errorf("expected ErrNoOutput, got %v", err)
	}
	cfg := RunConfig{Args: []string{"true"}, Output: events.NewFilter(nil), PollInterval: -time.Second}
	if _, err := Run(context.Background(), cfg); !errors.Is(err, ErrInvalidPollInterval) {
		t.Errorf("expected ErrInvalidPollInterval, got %v", err)
	}
}

func TestExtraFieldsSetOnce(t *testing.T) {
	var e ExtraFields
	e.setOnce(ExplanationTimeout)
	e.setOnce(ExplanationSystemError)
	if e.Explanation() != ExplanationTimeout {
		t.Errorf("expected first explanation kept, got %q", e.Explanation())
	}

	var nilFields *ExtraFields
	nilFields.setOnce("x")
	if nilFields.Explanation() != "" || len(nilFields.Map()) != 0 {
		t.Error("nil ExtraFields should be empty")
	}
}
