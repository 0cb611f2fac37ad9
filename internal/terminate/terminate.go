// Package terminate tears down a job's process, or its whole process tree
// when the job was launched under an isolation wrapper such as bwrap.
package terminate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGrace is how long Terminate waits after signaling.
const DefaultGrace = 3 * time.Second

// TreeWalker enumerates the descendants of a process.
type TreeWalker interface {
	Descendants(pid int) ([]int, error)
}

// RootOnly is the fallback walker for platforms without process-tree
// enumeration. It never reports descendants.
type RootOnly struct{}

func (RootOnly) Descendants(pid int) ([]int, error) {
	return nil, fmt.Errorf("process tree enumeration unsupported")
}

// Terminator signals job processes. The zero value is not usable; use New.
type Terminator struct {
	Walker TreeWalker
	Grace  time.Duration
	Kill   func(pid int, sig syscall.Signal) error
	Sleep  func(time.Duration)
	Logger *slog.Logger
}

// New returns a Terminator using the platform walker and real signals.
func New() *Terminator {
	return &Terminator{
		Walker: DefaultWalker(),
		Grace:  DefaultGrace,
		Kill:   unix.Kill,
		Sleep:  time.Sleep,
		Logger: slog.Default(),
	}
}

// Isolated reports whether argv was launched under wrapper.
func Isolated(argv []string, wrapper string) bool {
	return wrapper != "" && strings.Contains(strings.Join(argv, " "), wrapper)
}

// Terminate asks the job rooted at pid to stop. Under the isolation wrapper
// every descendant is killed before the root; otherwise the root alone gets
// SIGTERM. It is safe to call repeatedly and never fails: a process that
// already exited is logged and ignored.
func (t *Terminator) Terminate(pid int, argv []string, wrapper string, isCancel bool) {
	var err error
	if Isolated(argv, wrapper) {
		err = t.killTree(pid)
	} else {
		err = t.Kill(pid, unix.SIGTERM)
	}

	if err != nil {
		keyword := "timeout"
		if isCancel {
			keyword = "cancel"
		}
		if errors.Is(err, unix.ESRCH) {
			t.logger().Warn(fmt.Sprintf("Attempted to %s already finished job, ignoring", keyword), "pid", pid)
		} else {
			t.logger().Warn("signaling job failed", "pid", pid, "reason", keyword, "error", err)
		}
		return
	}

	if t.Grace > 0 && t.Sleep != nil {
		t.Sleep(t.Grace)
	}
}

func (t *Terminator) killTree(pid int) error {
	walker := t.Walker
	if walker == nil {
		walker = RootOnly{}
	}

	children, err := walker.Descendants(pid)
	if err != nil {
		t.logger().Debug("cannot enumerate job processes, signaling root only", "pid", pid, "error", err)
		children = nil
	}
	for _, child := range children {
		if err := t.Kill(child, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			t.logger().Warn("killing job descendant", "pid", child, "error", err)
		}
	}
	return t.Kill(pid, unix.SIGKILL)
}

func (t *Terminator) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Alive reports whether pid refers to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
