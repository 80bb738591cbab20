package cmd

import (
	"fmt"
	"os"

	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/engine"
	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/logging"
	"github.com/muxkeep/muxkeep/internal/session"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "muxkeep",
	Short: "Session lifecycle manager for tmux-hosted agent sessions",
	Long: `Muxkeep runs coding-agent sessions (claude, codex, gemini, or a plain
shell) inside tmux, each in its own isolated git worktree, and keeps the
session records reconciled against what the tmux server actually reports.`,
	SilenceUsage: true,
}

var (
	cfgFile      string
	flagStateDir string
	flagSocket   string
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/muxkeep/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory (default is $HOME/.local/share/muxkeep)")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "dedicated tmux socket name")
}

func initConfig() {
	if err := config.Init(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagStateDir != "" {
		cfg.Paths.StateDir = flagStateDir
	}
	if flagSocket != "" {
		cfg.Backend.Socket = flagSocket
	}
	return cfg, nil
}

// newEngine builds a started Manager from the effective configuration. The
// caller owns Close.
func newEngine() (*engine.Manager, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLoggerWithRotation(cfg.StateDir(), cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	m, err := engine.New(cfg, logger)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return m, cfg, nil
}

// resolveSession accepts either a session ID, an ID prefix, or a display name.
func resolveSession(m *engine.Manager, ref string) (*session.Session, error) {
	if s, err := m.GetSession(ref); err == nil {
		return s, nil
	}
	if s, err := m.GetSessionByName(ref); err == nil {
		return s, nil
	}
	var match *session.Session
	for _, s := range m.ListSessions() {
		if len(ref) >= 4 && len(ref) <= len(s.ID) && s.ID[:len(ref)] == ref {
			if match != nil {
				return nil, errors.NewValidationError(fmt.Sprintf("%q matches more than one session", ref), errors.ErrInvalidInput)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, ref)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
