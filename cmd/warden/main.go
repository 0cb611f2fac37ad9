package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/benaskins/warden/internal/audit"
	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/keychain"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "warden",
	Short:         "Supervise interactive backup jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to config file")
	rootCmd.PersistentFlags().Bool("json", false, "machine-readable output")
}

// exitError ends the process with code without printing anything further.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openSecrets returns the system secret store wrapped with audit logging.
// The returned close function flushes the audit log.
func openSecrets(cfg *config.Config, actor string) (*keychain.AuditedStore, func(), error) {
	auditLog, err := audit.NewLogger(cfg.AuditLog)
	if err != nil {
		return nil, nil, err
	}
	store := keychain.NewAuditedStore(keychain.NewSystemStore(config.Dir()), auditLog, actor)
	return store, func() { auditLog.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
