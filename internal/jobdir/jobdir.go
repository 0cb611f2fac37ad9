// Package jobdir reads and writes the on-disk contract between a job's
// submitter and its runner.
//
// A job directory looks like:
//
//	env                 base64 JSON job spec
//	args                JSON argv actually launched
//	pid                 runner pid, then its start time on a second line
//	pid.lock            held by the runner for its whole lifetime
//	cancel              created to request cancellation
//	artifacts/stdout    raw terminal output
//	artifacts/job_events
//	artifacts/daemon.log
//	artifacts/status    successful|failed|canceled|error
//	artifacts/rc        exit status
//
// Every file is owner-only. Artifacts are created empty and exclusively
// before anything is written to them.
package jobdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benaskins/warden/internal/spec"
	"github.com/gofrs/flock"
)

const (
	EnvFile      = "env"
	ArgsFile     = "args"
	PIDFile      = "pid"
	LockFile     = "pid.lock"
	CancelFile   = "cancel"
	ArtifactsDir = "artifacts"

	Stdout    = "stdout"
	Events    = "job_events"
	DaemonLog = "daemon.log"
	Status    = "status"
	RC        = "rc"
)

var (
	ErrLocked   = errors.New("job directory is in use by another runner")
	ErrNoPID    = errors.New("job has no pid file")
	ErrNoResult = errors.New("job has not finished")
)

// Dir is a job directory.
type Dir struct {
	Path string
}

// Open returns the job directory at path, which must exist.
func Open(path string) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening job directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening job directory: %s is not a directory", path)
	}
	return &Dir{Path: path}, nil
}

// Create makes a new job directory for job. path must not exist yet.
func Create(path string, job *spec.JobSpec) (*Dir, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating job root: %w", err)
	}
	if err := os.Mkdir(path, 0700); err != nil {
		return nil, fmt.Errorf("creating job directory: %w", err)
	}
	d := &Dir{Path: path}
	if err := d.WriteJob(job); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) path(name string) string { return filepath.Join(d.Path, name) }

// ArtifactPath returns the path of the named artifact.
func (d *Dir) ArtifactPath(name string) string {
	return filepath.Join(d.Path, ArtifactsDir, name)
}

// ReadJob decodes the env file.
func (d *Dir) ReadJob() (*spec.JobSpec, error) {
	data, err := os.ReadFile(d.path(EnvFile))
	if err != nil {
		return nil, fmt.Errorf("reading job: %w", err)
	}
	return spec.Decode(data)
}

// WriteJob encodes job into the env file, replacing any previous one.
func (d *Dir) WriteJob(job *spec.JobSpec) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	return writeFile(d.path(EnvFile), data)
}

// CreateArtifact creates the named artifact, failing if it already exists.
func (d *Dir) CreateArtifact(name string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Join(d.Path, ArtifactsDir), 0700); err != nil {
		return nil, fmt.Errorf("creating artifacts directory: %w", err)
	}
	f, err := os.OpenFile(d.ArtifactPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating artifact %s: %w", name, err)
	}
	return f, nil
}

// WriteResult records the final status and exit status.
func (d *Dir) WriteResult(status string, rc int) error {
	for _, a := range []struct{ name, value string }{
		{Status, status},
		{RC, strconv.Itoa(rc)},
	} {
		f, err := d.CreateArtifact(a.name)
		if err != nil {
			return err
		}
		_, err = f.WriteString(a.value)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", a.name, err)
		}
	}
	return nil
}

// ReadResult returns the recorded status and exit status, or ErrNoResult.
func (d *Dir) ReadResult() (string, int, error) {
	status, err := os.ReadFile(d.ArtifactPath(Status))
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, ErrNoResult
	}
	if err != nil {
		return "", 0, fmt.Errorf("reading status: %w", err)
	}
	raw, err := os.ReadFile(d.ArtifactPath(RC))
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, ErrNoResult
	}
	if err != nil {
		return "", 0, fmt.Errorf("reading rc: %w", err)
	}
	rc, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", 0, fmt.Errorf("parsing rc: %w", err)
	}
	return strings.TrimSpace(string(status)), rc, nil
}

// WritePID records the runner's pid and, when known, its start time so a
// later stop can tell whether the pid was reused.
func (d *Dir) WritePID(pid int, startTime int64) error {
	s := strconv.Itoa(pid) + "\n"
	if startTime > 0 {
		s += strconv.FormatInt(startTime, 10) + "\n"
	}
	return writeFile(d.path(PIDFile), []byte(s))
}

// ReadPID returns the recorded pid and start time (zero if absent).
func (d *Dir) ReadPID() (int, int64, error) {
	data, err := os.ReadFile(d.path(PIDFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, ErrNoPID
	}
	if err != nil {
		return 0, 0, fmt.Errorf("reading pid: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid %q", lines[0])
	}
	var start int64
	if len(lines) > 1 {
		start, err = strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid start time %q", lines[1])
		}
	}
	return pid, start, nil
}

// RemovePID deletes the pid file if present.
func (d *Dir) RemovePID() error {
	if err := os.Remove(d.path(PIDFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteArgs records the argv that was launched.
func (d *Dir) WriteArgs(args []string) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return writeFile(d.path(ArgsFile), data)
}

// ReadArgs returns the launched argv. A missing file yields nil and no error.
func (d *Dir) ReadArgs() ([]string, error) {
	data, err := os.ReadFile(d.path(ArgsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading args: %w", err)
	}
	var args []string
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	return args, nil
}

// RequestCancel asks the runner to cancel the job.
func (d *Dir) RequestCancel() error {
	f, err := os.OpenFile(d.path(CancelFile), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	return f.Close()
}

// CancelRequested reports whether the cancel file exists.
func (d *Dir) CancelRequested() (bool, error) {
	_, err := os.Stat(d.path(CancelFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Lock takes the runner lock without blocking. The caller must Unlock it.
func (d *Dir) Lock() (*flock.Flock, error) {
	lock := flock.New(d.path(LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return lock, nil
}

// Locked reports whether a runner currently holds the lock.
func (d *Dir) Locked() (bool, error) {
	if _, err := os.Stat(d.path(LockFile)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	lock := flock.New(d.path(LockFile))
	locked, err := lock.TryRLock()
	if err != nil {
		return false, err
	}
	if locked {
		lock.Unlock()
		return false, nil
	}
	return true, nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
