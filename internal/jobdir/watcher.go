package jobdir

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CancelWatcher turns the appearance of a job's cancel file into a sticky
// cancellation flag. Canceled is safe to poll from the supervisor loop.
type CancelWatcher struct {
	dir     *Dir
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}

	mu       sync.Mutex
	canceled bool
	err      error
}

// WatchCancel starts watching d for a cancel request. Close must be called
// to release the watcher.
func WatchCancel(d *Dir, logger *slog.Logger) (*CancelWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating cancel watcher: %w", err)
	}
	if err := w.Add(d.Path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", d.Path, err)
	}

	cw := &CancelWatcher{dir: d, watcher: w, logger: logger, done: make(chan struct{})}
	go cw.loop()
	return cw, nil
}

func (cw *CancelWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || filepath.Base(event.Name) != CancelFile {
				continue
			}
			cw.logger.Debug("cancel requested", "dir", cw.dir.Path)
			cw.mu.Lock()
			cw.canceled = true
			cw.mu.Unlock()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("cancel watcher error", "error", err)
			cw.mu.Lock()
			if cw.err == nil {
				cw.err = err
			}
			cw.mu.Unlock()
		}
	}
}

// Canceled reports whether cancellation was requested. Once true it stays
// true. A watcher failure is reported as an error, since a missed request
// cannot be ruled out.
func (cw *CancelWatcher) Canceled() (bool, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.canceled {
		return true, nil
	}
	if cw.err != nil {
		return false, fmt.Errorf("watching for cancel: %w", cw.err)
	}
	// Catches a request made before the watch was registered.
	requested, err := cw.dir.CancelRequested()
	if err != nil {
		return false, err
	}
	cw.canceled = requested
	return requested, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (cw *CancelWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
