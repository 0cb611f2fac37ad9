// Package supervisor runs a single backup job's command under a
// pseudo-terminal, answering prompts, enforcing idle and job timeouts and
// honoring cooperative cancellation.
//
// A run is driven by one goroutine that wakes at least once per poll
// interval. Each wake-up (a tick) is the only point where cancellation and
// both timeouts are evaluated.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benaskins/warden/internal/prompt"
	"github.com/benaskins/warden/internal/terminate"
)

// DefaultPollInterval is used when RunConfig.PollInterval is zero.
const DefaultPollInterval = 5 * time.Second

// ExitUnknown is reported when the process was torn down before a real exit
// status was observed.
const ExitUnknown = -1

var (
	ErrNoArgs              = errors.New("command is empty")
	ErrNoOutput            = errors.New("output sink is required")
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
)

// Status is the final classification of a run.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// Outcome pairs a status with the process exit status.
type Outcome struct {
	Status   Status `json:"status"`
	ExitCode int    `json:"rc"`
}

// CancelFunc reports whether the job has been canceled. It is polled once
// per tick until it returns true or fails; errors and panics both become an
// error outcome.
type CancelFunc func() (bool, error)

// Terminator stops a job's process tree. Implementations must tolerate
// repeated calls for the same pid.
type Terminator interface {
	Terminate(pid int, argv []string, wrapper string, isCancel bool)
}

// RunConfig describes one run. It must not be modified while Run executes.
type RunConfig struct {
	Args []string
	Dir  string
	// Env is the complete environment of the child; nothing is inherited.
	Env map[string]string

	// IdleTimeout and JobTimeout are disabled when zero.
	IdleTimeout  time.Duration
	JobTimeout   time.Duration
	PollInterval time.Duration

	Prompts  *prompt.Table
	Canceled CancelFunc

	// Output receives the merged terminal output in order and is closed
	// exactly once when the stream ends.
	Output io.WriteCloser
	Extra  *ExtraFields

	// IsolationWrapper names the sandbox launcher (e.g. "bwrap") whose
	// presence in Args requires whole-tree termination.
	IsolationWrapper string
	Terminator       Terminator
	Logger           *slog.Logger
}

// Explanations recorded in ExtraFields.
const (
	ExplanationKey         = "job_explanation"
	ExplanationTimeout     = "Job terminated due to timeout"
	ExplanationIdle        = "Job terminated due to idle timeout"
	ExplanationSystemError = "System error during job execution, check system logs"
)

// ExtraFields carries a best-effort human explanation of how a run ended.
// The supervisor writes it at most once.
type ExtraFields struct {
	mu          sync.Mutex
	explanation string
}

func (e *ExtraFields) setOnce(s string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.explanation == "" {
		e.explanation = s
	}
}

// Explanation returns the recorded explanation, if any.
func (e *ExtraFields) Explanation() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.explanation
}

// Map returns the fields as a string map suitable for a model update.
func (e *ExtraFields) Map() map[string]string {
	out := map[string]string{}
	if s := e.Explanation(); s != "" {
		out[ExplanationKey] = s
	}
	return out
}

// Run spawns cfg.Args and supervises it to completion. An error is returned
// only for invalid configuration or when the process cannot be started;
// every other way a run ends is reported through the Outcome.
func Run(ctx context.Context, cfg RunConfig) (Outcome, error) {
	if len(cfg.Args) == 0 {
		return Outcome{Status: StatusError, ExitCode: ExitUnknown}, ErrNoArgs
	}
	if cfg.Output == nil {
		return Outcome{Status: StatusError, ExitCode: ExitUnknown}, ErrNoOutput
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollInterval < 0 {
		return Outcome{Status: StatusError, ExitCode: ExitUnknown}, ErrInvalidPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Terminator == nil {
		cfg.Terminator = terminate.New()
	}

	cfg.Logger.Debug("launching command", "args", cfg.Args, "dir", cfg.Dir)

	c, err := start(cfg.Args, cfg.Dir, envList(cfg.Env))
	if err != nil {
		cfg.Output.Close()
		return Outcome{Status: StatusError, ExitCode: ExitUnknown}, fmt.Errorf("starting %s: %w", cfg.Args[0], err)
	}

	s := &session{cfg: cfg, child: c}
	return s.run(ctx), nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
