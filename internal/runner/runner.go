// Package runner executes jobs: it resolves a job's secrets, wraps its
// command with a per-job SSH agent when keys are configured, supervises it
// and records the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/events"
	"github.com/benaskins/warden/internal/jobdir"
	"github.com/benaskins/warden/internal/keychain"
	"github.com/benaskins/warden/internal/logbuf"
	"github.com/benaskins/warden/internal/spec"
	"github.com/benaskins/warden/internal/sshagent"
	"github.com/benaskins/warden/internal/supervisor"
	"github.com/benaskins/warden/internal/terminate"
	"github.com/google/uuid"
)

// DefaultPath is given to jobs whose environment sets no PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// DefaultTailLines is how much output is logged when a job does not succeed.
const DefaultTailLines = 20

var ErrNotRunning = errors.New("job is not running")

// JobSecrets is implemented by stores that audit reads made for a job.
type JobSecrets interface {
	GetForJob(key, job, jobID string) (string, error)
}

// Runner runs jobs with shared configuration.
type Runner struct {
	Config     *config.Config
	Secrets    keychain.Store
	Terminator *terminate.Terminator
	Logger     *slog.Logger
	TailLines  int
}

// New returns a Runner whose terminator honors the configured grace period.
func New(cfg *config.Config, secrets keychain.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	term := terminate.New()
	term.Grace = cfg.GracePeriod.Duration
	term.Logger = logger
	return &Runner{
		Config:     cfg,
		Secrets:    secrets,
		Terminator: term,
		Logger:     logger,
		TailLines:  DefaultTailLines,
	}
}

// RunDir runs the job in dir to completion and writes its status and rc.
// The runner holds the directory lock and pid file for the whole run.
func (r *Runner) RunDir(ctx context.Context, dir *jobdir.Dir) (supervisor.Outcome, error) {
	failed := supervisor.Outcome{Status: supervisor.StatusError, ExitCode: supervisor.ExitUnknown}

	lock, err := dir.Lock()
	if err != nil {
		return failed, err
	}
	defer lock.Unlock()

	pid := os.Getpid()
	start, err := terminate.ProcessStartTime(pid)
	if err != nil {
		r.Logger.Debug("process start time unavailable", "error", err)
	}
	if err := dir.WritePID(pid, start); err != nil {
		return failed, err
	}
	defer dir.RemovePID()

	job, err := dir.ReadJob()
	if err != nil {
		return r.finish(dir, failed, err)
	}

	stdout, err := dir.CreateArtifact(jobdir.Stdout)
	if err != nil {
		return r.finish(dir, failed, err)
	}
	defer stdout.Close()

	eventsFile, err := dir.CreateArtifact(jobdir.Events)
	if err != nil {
		return r.finish(dir, failed, err)
	}
	defer eventsFile.Close()

	cw, err := jobdir.WatchCancel(dir, r.Logger)
	if err != nil {
		return r.finish(dir, failed, err)
	}
	defer cw.Close()

	out, err := r.run(ctx, job, execution{
		scratch:  dir.Path,
		stdout:   stdout,
		events:   eventsFile,
		canceled: cw.Canceled,
		launched: dir.WriteArgs,
	})
	return r.finish(dir, out, err)
}

func (r *Runner) finish(dir *jobdir.Dir, out supervisor.Outcome, runErr error) (supervisor.Outcome, error) {
	if err := dir.WriteResult(string(out.Status), out.ExitCode); err != nil {
		return out, errors.Join(runErr, err)
	}
	return out, runErr
}

// RunSpec runs job in the foreground, copying its terminal output to w.
// Cancellation is by ctx only.
func (r *Runner) RunSpec(ctx context.Context, job *spec.JobSpec, w io.Writer) (supervisor.Outcome, error) {
	scratch, err := os.MkdirTemp("", "warden-"+job.Job.Name+"-")
	if err != nil {
		return supervisor.Outcome{Status: supervisor.StatusError, ExitCode: supervisor.ExitUnknown}, err
	}
	defer os.RemoveAll(scratch)

	return r.run(ctx, job, execution{scratch: scratch, stdout: w})
}

// execution carries what differs between a job-directory run and a
// foreground run.
type execution struct {
	// scratch holds key pipes and the agent socket.
	scratch  string
	stdout   io.Writer
	events   io.Writer
	canceled supervisor.CancelFunc
	launched func(args []string) error
}

func (r *Runner) run(ctx context.Context, job *spec.JobSpec, ex execution) (supervisor.Outcome, error) {
	failed := supervisor.Outcome{Status: supervisor.StatusError, ExitCode: supervisor.ExitUnknown}

	if job.Job.ID == "" {
		job.Job.ID = uuid.NewString()
	}
	log := r.Logger.With("job", job.Job.Name, "job_id", job.Job.ID)
	resolve := r.resolver(job)

	prompts, err := job.PromptTable(resolve)
	if err != nil {
		return failed, err
	}
	keys, err := job.KeyData(resolve)
	if err != nil {
		return failed, err
	}

	// Key pipes live only as long as the run.
	fifoCtx, cancelFIFOs := context.WithCancel(ctx)
	defer cancelFIFOs()
	args, err := r.wrapKeys(fifoCtx, job, keys, ex.scratch)
	if err != nil {
		return failed, err
	}
	if ex.launched != nil {
		if err := ex.launched(args); err != nil {
			return failed, err
		}
	}

	tail := logbuf.New(r.tailLines())
	handlers := []events.Handler{func(ev events.Event) {
		if ev.Stdout != "" {
			tail.Write([]byte(ev.Stdout))
		}
	}}
	var jsonl *events.JSONLWriter
	if ex.events != nil {
		jsonl = events.NewJSONLWriter(ex.events, job.Job.ID)
		handlers = append(handlers, jsonl.Handle)
	}
	filter := events.NewFilter(events.Tee(handlers...))

	extra := &supervisor.ExtraFields{}
	out, err := supervisor.Run(ctx, supervisor.RunConfig{
		Args:             args,
		Dir:              job.WorkingDir,
		Env:              r.environment(job),
		IdleTimeout:      pick(job.IdleTimeout, r.Config.IdleTimeout),
		JobTimeout:       pick(job.JobTimeout, r.Config.JobTimeout),
		PollInterval:     pick(job.PollInterval, r.Config.PollInterval),
		Prompts:          prompts,
		Canceled:         ex.canceled,
		Output:           &sink{raw: ex.stdout, filter: filter},
		Extra:            extra,
		IsolationWrapper: r.wrapper(job),
		Terminator:       r.Terminator,
		Logger:           log,
	})
	if err != nil {
		log.Error("job could not start", "error", err)
		return out, err
	}

	if jsonl != nil && jsonl.Err() != nil {
		log.Warn("writing job events", "error", jsonl.Err())
	}
	attrs := []any{"status", out.Status, "rc", out.ExitCode, "events", filter.Count()}
	if s := extra.Explanation(); s != "" {
		attrs = append(attrs, "explanation", s)
	}
	if out.Status == supervisor.StatusSuccessful {
		log.Info("job finished", attrs...)
	} else {
		log.Warn("job finished", append(attrs, "tail", tail.String())...)
	}
	return out, nil
}

func (r *Runner) resolver(job *spec.JobSpec) spec.Resolver {
	return func(ref string) (string, error) {
		if r.Secrets == nil {
			return "", fmt.Errorf("%w: %s (no secret store)", keychain.ErrNotFound, ref)
		}
		if js, ok := r.Secrets.(JobSecrets); ok {
			return js.GetForJob(ref, job.Job.Name, job.Job.ID)
		}
		return r.Secrets.Get(ref)
	}
}

// wrapKeys feeds each key to a named pipe in scratch and returns argv
// wrapped to load them into a private agent.
func (r *Runner) wrapKeys(ctx context.Context, job *spec.JobSpec, keys []string, scratch string) ([]string, error) {
	if len(keys) == 0 {
		return job.Args, nil
	}
	paths := make([]string, len(keys))
	for i, key := range keys {
		paths[i] = filepath.Join(scratch, "ssh_key_"+job.SSHKeys[i].Name)
		if err := sshagent.WriteFIFO(ctx, paths[i], []byte(sshagent.NormalizeKey(key))); err != nil {
			return nil, err
		}
	}
	opts := sshagent.Options{Silence: job.SSHAddQuiet}
	if job.SSHAgent {
		opts.AuthSock = filepath.Join(scratch, "ssh_auth.sock")
	}
	return sshagent.Wrap(job.Args, paths, opts), nil
}

func (r *Runner) environment(job *spec.JobSpec) map[string]string {
	env := make(map[string]string, len(job.Env)+1)
	for k, v := range job.Env {
		env[k] = v
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = DefaultPath
	}
	return env
}

func (r *Runner) wrapper(job *spec.JobSpec) string {
	if job.IsolationWrapper != "" {
		return job.IsolationWrapper
	}
	return r.Config.IsolationWrapper
}

func (r *Runner) tailLines() int {
	if r.TailLines > 0 {
		return r.TailLines
	}
	return DefaultTailLines
}

func pick(job, fallback spec.Duration) time.Duration {
	if job.Duration > 0 {
		return job.Duration
	}
	return fallback.Duration
}

// Stop terminates the runner recorded in dir, treating it as a
// cancellation.
func (r *Runner) Stop(dir *jobdir.Dir) error {
	pid, start, err := dir.ReadPID()
	if err != nil {
		return err
	}
	if !terminate.VerifyProcess(pid, "", start) || !terminate.Alive(pid) {
		return fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}
	args, err := dir.ReadArgs()
	if err != nil {
		r.Logger.Warn("reading launched args", "error", err)
		args = nil
	}
	r.Logger.Info("stopping job", "dir", dir.Path, "pid", pid, "isolated", terminate.Isolated(args, r.Config.IsolationWrapper))
	r.Terminator.Terminate(pid, args, r.Config.IsolationWrapper, true)
	return r.recordKilled(dir)
}

// recordKilled writes a canceled result for a runner that was killed before
// it could record one itself.
func (r *Runner) recordKilled(dir *jobdir.Dir) error {
	lock, err := dir.Lock()
	if err != nil {
		// Still running; it records its own result.
		return nil
	}
	defer lock.Unlock()
	if _, _, err := dir.ReadResult(); !errors.Is(err, jobdir.ErrNoResult) {
		return nil
	}
	return dir.WriteResult(string(supervisor.StatusCanceled), supervisor.ExitUnknown)
}

// IsAlive reports whether the runner recorded in dir is still running.
func (r *Runner) IsAlive(dir *jobdir.Dir) bool {
	pid, start, err := dir.ReadPID()
	if err != nil {
		return false
	}
	return terminate.Alive(pid) && terminate.VerifyProcess(pid, "", start)
}

// sink copies raw output to the stdout artifact and through the event
// filter. Closing it closes the filter only.
type sink struct {
	raw    io.Writer
	filter *events.Filter
	rawErr error
}

func (s *sink) Write(p []byte) (int, error) {
	if s.raw != nil && s.rawErr == nil {
		if _, err := s.raw.Write(p); err != nil {
			s.rawErr = err
		}
	}
	if _, err := s.filter.Write(p); err != nil {
		return 0, err
	}
	return len(p), s.rawErr
}

func (s *sink) Close() error {
	return s.filter.Close()
}
