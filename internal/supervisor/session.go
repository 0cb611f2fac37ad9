package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/benaskins/warden/internal/prompt"
	"golang.org/x/sys/unix"
)

const (
	// forceCloseDelay is the pause between escalating signals when the pty
	// is force-closed.
	forceCloseDelay = 100 * time.Millisecond
	// reapTimeout bounds the wait for an exit status after a forced close.
	reapTimeout = 5 * time.Second
)

type session struct {
	cfg   RunConfig
	child *child
	buf   prompt.Buffer

	started      time.Time
	lastActivity time.Time
	exitedAt     time.Time

	streamEnded bool
	exited      bool
	ctxDone     bool
	writeFailed bool

	canceled bool
	timedOut bool
	errored  bool
}

func (s *session) run(ctx context.Context) Outcome {
	log := s.cfg.Logger.With("pid", s.child.pid())
	s.started = time.Now()
	s.lastActivity = s.started

	for !s.done() {
		res := s.wait(ctx)
		if res.Rule.Answers() {
			s.answer(res)
		}

		if !s.decided() {
			s.pollCanceled(ctx)
		}
		if !s.decided() && s.cfg.JobTimeout > 0 && time.Since(s.started) >= s.cfg.JobTimeout {
			s.timedOut = true
			s.cfg.Extra.setOnce(ExplanationTimeout)
			log.Info("job timeout reached", "timeout", s.cfg.JobTimeout)
		}
		if s.decided() && !s.exited {
			// A request, not an exit: keep looping until the pty closes.
			s.cfg.Terminator.Terminate(s.child.pid(), s.cfg.Args, s.cfg.IsolationWrapper, s.canceled)
		}
		if s.cfg.IdleTimeout > 0 && !s.exited && time.Since(s.lastActivity) >= s.cfg.IdleTimeout {
			log.Info("idle timeout reached, closing terminal", "timeout", s.cfg.IdleTimeout)
			s.cfg.Extra.setOnce(ExplanationIdle)
			s.forceClose()
			s.canceled = true
			break
		}
	}

	s.child.release()
	s.reap()
	if err := s.cfg.Output.Close(); err != nil {
		log.Warn("closing job output", "error", err)
	}

	out := Outcome{Status: s.status(), ExitCode: ExitUnknown}
	if s.exited {
		out.ExitCode = s.child.exitCode()
	}
	log.Debug("job finished", "status", out.Status, "rc", out.ExitCode)
	return out
}

// done reports whether the loop may stop: the stream has ended and the
// process has exited, or the process exited and whatever still holds the
// terminal has had a full poll interval to let go.
func (s *session) done() bool {
	if s.streamEnded && s.exited {
		return true
	}
	return s.exited && time.Since(s.exitedAt) >= s.cfg.PollInterval
}

func (s *session) decided() bool {
	return s.canceled || s.timedOut || s.errored
}

func (s *session) status() Status {
	switch {
	case s.errored:
		return StatusError
	case s.canceled:
		return StatusCanceled
	case s.timedOut:
		return StatusFailed
	case s.exited && s.child.exitCode() == 0:
		return StatusSuccessful
	default:
		return StatusFailed
	}
}

// wait blocks until a prompt matches, the stream ends, or one poll interval
// passes, and reports which rule resolved the tick.
func (s *session) wait(ctx context.Context) prompt.Result {
	noOutput := prompt.Result{Index: s.cfg.Prompts.NoOutputIndex(), Rule: prompt.NoOutput}
	streamEnded := prompt.Result{Index: s.cfg.Prompts.StreamEndedIndex(), Rule: prompt.StreamEnded}

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if s.streamEnded && s.exited {
			return streamEnded
		}

		var chunks <-chan []byte
		if !s.streamEnded {
			chunks = s.child.chunks
		}
		var exited <-chan struct{}
		if !s.exited {
			exited = s.child.exited
		}
		var cancel <-chan struct{}
		if !s.ctxDone {
			cancel = ctx.Done()
		}

		select {
		case data, ok := <-chunks:
			if !ok {
				s.streamEnded = true
				return streamEnded
			}
			s.output(data)
			if res, ok := s.buf.Match(s.cfg.Prompts); ok {
				return res
			}
		case <-exited:
			s.exited = true
			s.exitedAt = time.Now()
		case <-cancel:
			s.ctxDone = true
			return noOutput
		case <-timer.C:
			return noOutput
		}
	}
}

func (s *session) output(data []byte) {
	s.lastActivity = time.Now()
	s.buf.Feed(data)
	if _, err := s.cfg.Output.Write(data); err != nil && !s.writeFailed {
		s.writeFailed = true
		s.cfg.Logger.Warn("writing job output", "error", err)
	}
}

func (s *session) answer(res prompt.Result) {
	if _, err := s.child.pty.Write([]byte(res.Rule.Response.Reveal() + "\n")); err != nil {
		s.cfg.Logger.Warn("answering prompt", "pattern", res.Rule, "error", err)
		return
	}
	s.cfg.Logger.Debug("answered prompt", "pattern", res.Rule)
	s.lastActivity = time.Now()
}

// pollCanceled consults the context and the cancel predicate. Once either
// reports cancellation the result is sticky.
func (s *session) pollCanceled(ctx context.Context) {
	if ctx.Err() != nil {
		s.canceled = true
		return
	}
	if s.cfg.Canceled == nil {
		return
	}
	canceled, err := callCanceled(s.cfg.Canceled)
	if err != nil {
		s.cfg.Logger.Error("Could not check cancel callback - canceling immediately", "error", err)
		s.cfg.Extra.setOnce(ExplanationSystemError)
		s.errored = true
		return
	}
	s.canceled = canceled
}

func callCanceled(f CancelFunc) (canceled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cancel check panicked: %v", r)
		}
	}()
	return f()
}

// forceClose closes the terminal and escalates signals to the child without
// waiting for the rest of its tree.
func (s *session) forceClose() {
	s.child.release()
	pid := s.child.pid()
	for _, sigs := range [][]syscall.Signal{
		{unix.SIGHUP},
		{unix.SIGCONT, unix.SIGINT},
		{unix.SIGKILL},
	} {
		for _, sig := range sigs {
			_ = unix.Kill(pid, sig)
		}
		select {
		case <-s.child.exited:
			s.exited = true
			s.exitedAt = time.Now()
			return
		case <-time.After(forceCloseDelay):
		}
	}
}

// reap waits, bounded, for the exit status after a forced close.
func (s *session) reap() {
	if s.exited {
		return
	}
	select {
	case <-s.child.exited:
		s.exited = true
	case <-time.After(reapTimeout):
		s.cfg.Logger.Warn("process did not exit after forced close", "pid", s.child.pid())
	}
}
