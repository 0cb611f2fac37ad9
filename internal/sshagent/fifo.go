package sshagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// WriteFIFO creates a 0600 named pipe at path and writes data into it from
// a background goroutine. The write completes once a reader (typically
// ssh-add) opens the pipe. If ctx ends first the pending write is abandoned
// and the pipe removed.
//
// Only creating the pipe can fail; failures of the background write are
// logged and otherwise not reported.
func WriteFIFO(ctx context.Context, path string, data []byte) error {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("creating fifo %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			slog.Warn("opening fifo for write", "path", path, "error", err)
			return
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			slog.Warn("writing fifo", "path", path, "error", err)
		}
	}()

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			// A throwaway reader releases the writer blocked in open.
			r, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
			if err == nil {
				<-done
				r.Close()
			}
			os.Remove(path)
		}
	}()

	return nil
}

// NormalizeKey appends the trailing newline ssh-add requires for OpenSSH
// formatted private keys.
func NormalizeKey(data string) string {
	if strings.Contains(data, "OPENSSH PRIVATE KEY") && !strings.HasSuffix(data, "\n") {
		return data + "\n"
	}
	return data
}
