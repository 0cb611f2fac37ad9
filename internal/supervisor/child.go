package supervisor

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

const readSize = 32 * 1024

// child is a process attached to the slave side of a pty. Output is read
// from the master by a dedicated goroutine and handed over on chunks, which
// is closed when the stream ends.
type child struct {
	cmd    *exec.Cmd
	pty    *os.File
	chunks chan []byte
	stop   chan struct{}
	exited chan struct{}
}

func start(args []string, dir string, env []string) (*child, error) {
	path, err := lookPath(args[0], env)
	if err != nil {
		return nil, err
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	if err := disableEcho(tty); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, err
	}

	cmd := &exec.Cmd{
		Path:        path,
		Args:        args,
		Dir:         dir,
		Env:         env,
		Stdin:       tty,
		Stdout:      tty,
		Stderr:      tty,
		SysProcAttr: &syscall.SysProcAttr{Setsid: true, Setctty: true},
	}
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, err
	}
	// Only the child keeps the slave open, so the master reports EOF once
	// the child and everything it spawned have let go of the terminal.
	tty.Close()

	c := &child{
		cmd:    cmd,
		pty:    ptmx,
		chunks: make(chan []byte),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.read()
	go func() {
		_ = cmd.Wait()
		close(c.exited)
	}()
	return c, nil
}

func (c *child) read() {
	defer close(c.chunks)
	buf := make([]byte, readSize)
	for {
		n, err := c.pty.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- bytes.Clone(buf[:n]):
			case <-c.stop:
				return
			}
		}
		if err != nil {
			// EIO on Linux, EOF elsewhere: the slave side is gone.
			return
		}
	}
}

func (c *child) pid() int { return c.cmd.Process.Pid }

// exitCode is valid once exited is closed.
func (c *child) exitCode() int {
	if c.cmd.ProcessState == nil {
		return ExitUnknown
	}
	return c.cmd.ProcessState.ExitCode()
}

// release stops the reader and closes the master side.
func (c *child) release() {
	select {
	case <-c.stop:
		return
	default:
		close(c.stop)
	}
	c.pty.Close()
}

// lookPath resolves name against the child's PATH rather than ours.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			continue
		}
		for _, dir := range filepath.SplitList(strings.TrimPrefix(kv, "PATH=")) {
			if dir == "" {
				dir = "."
			}
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
				return p, nil
			}
		}
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	p, err := exec.LookPath(name)
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return "", err
	}
	return p, nil
}
