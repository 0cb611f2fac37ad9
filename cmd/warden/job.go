package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benaskins/warden/internal/jobdir"
	"github.com/benaskins/warden/internal/runner"
	"github.com/benaskins/warden/internal/spec"
	"github.com/benaskins/warden/internal/supervisor"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <job-dir>",
	Short: "Run a prepared job directory in the background",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-dir>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, err := jobdir.Open(args[0])
		if err != nil {
			return err
		}
		r := runner.New(cfg, nil, newLogger(cfg, os.Stderr))
		if err := r.Stop(dir); err != nil {
			if errors.Is(err, jobdir.ErrNoPID) || errors.Is(err, runner.ErrNotRunning) {
				return exitError{code: 1}
			}
			return err
		}
		return nil
	},
}

var isAliveCmd = &cobra.Command{
	Use:   "is-alive <job-dir>",
	Short: "Exit 0 if the job's runner is alive, 1 otherwise",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, err := jobdir.Open(args[0])
		if err != nil {
			return exitError{code: 1}
		}
		if !runner.New(cfg, nil, newLogger(cfg, os.Stderr)).IsAlive(dir) {
			return exitError{code: 1}
		}
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <job.yaml>",
	Short: "Create a job directory under the work root and start it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		job, err := spec.Load(args[0])
		if err != nil {
			return err
		}
		if job.Job.ID == "" {
			job.Job.ID = uuid.NewString()
		}
		dir, err := jobdir.Create(filepath.Join(cfg.WorkRoot, job.Job.ID), job)
		if err != nil {
			return err
		}
		if err := detach(dir); err != nil {
			return err
		}
		fmt.Println(dir.Path)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <job.yaml>",
	Short: "Run a job in the foreground",
	Long:  "Run a job spec attached to this terminal. Output is copied to stdout; the exit status mirrors the job's.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		job, err := spec.Load(args[0])
		if err != nil {
			return err
		}
		secrets, closeSecrets, err := openSecrets(cfg, "runner")
		if err != nil {
			return err
		}
		defer closeSecrets()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		r := runner.New(cfg, secrets, newLogger(cfg, os.Stderr))
		out, err := r.RunSpec(ctx, job, os.Stdout)
		if err != nil {
			return err
		}
		return exitStatus(out)
	},
}

func init() {
	startCmd.Flags().Bool("foreground", false, "run in this process instead of detaching")
	startCmd.Flags().MarkHidden("foreground")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(isAliveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	dir, err := jobdir.Open(args[0])
	if err != nil {
		return err
	}
	if fg, _ := cmd.Flags().GetBool("foreground"); !fg {
		return detach(dir)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stderr is artifacts/daemon.log once detached.
	logger := newLogger(cfg, os.Stderr).With("dir", dir.Path)
	secrets, closeSecrets, err := openSecrets(cfg, "runner")
	if err != nil {
		return err
	}
	defer closeSecrets()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	out, err := runner.New(cfg, secrets, logger).RunDir(ctx, dir)
	if err != nil {
		logger.Error("job run failed", "error", err)
		return exitError{code: 1}
	}
	logger.Info("job run complete", "status", out.Status, "rc", out.ExitCode)
	return nil
}

// detach re-executes warden as a session leader running the job directory,
// with its stderr captured in artifacts/daemon.log.
func detach(dir *jobdir.Dir) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating warden binary: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir.Path, jobdir.ArtifactsDir), 0700); err != nil {
		return err
	}
	logFile, err := os.OpenFile(dir.ArtifactPath(jobdir.DaemonLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	c := exec.Command(exe, "start", "--foreground", "--config", configPath, dir.Path)
	c.Stdout = logFile
	c.Stderr = logFile
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}
	return c.Process.Release()
}

func exitStatus(out supervisor.Outcome) error {
	switch {
	case out.Status == supervisor.StatusSuccessful:
		return nil
	case out.ExitCode > 0:
		return exitError{code: out.ExitCode}
	default:
		return exitError{code: 1}
	}
}
