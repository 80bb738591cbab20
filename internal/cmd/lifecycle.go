package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill <session>",
	Short: "Kill a session permanently",
	Long: `Kill a session: the tmux session is destroyed, the worktree is
removed, and the record becomes Killed. Killed sessions cannot be revived.

With --all every active session is killed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKill,
}

var killAll bool

var pauseCmd = &cobra.Command{
	Use:   "pause <session>",
	Short: "Pause a running session",
	Long: `Pause a session: the tmux session is killed but the worktree and
record are kept, so the session can be revived later with its work intact.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var reviveCmd = &cobra.Command{
	Use:   "revive <session>",
	Short: "Revive a completed, failed or paused session",
	Long: `Revive a session in its original worktree. Completed and paused
sessions resume their previous provider conversation where the provider
supports it; failed sessions start fresh.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevive,
}

var renameCmd = &cobra.Command{
	Use:   "rename <session> <new-name>",
	Short: "Rename a session",
	Long: `Change a session's display name. The tmux handle and worktree
branch are derived from the session ID and never change.`,
	Args: cobra.ExactArgs(2),
	RunE: runRename,
}

var cleanCmd = &cobra.Command{
	Use:   "clean <session>",
	Short: "Remove a finished session entirely",
	Long: `Remove a non-active session: destroy its worktree, reap any dead
pane, archive the record to history and drop it from the registry.

With --dead-backends, also kill prefixed tmux sessions with dead panes that
no record claims.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

var cleanDeadBackends bool

var outputCmd = &cobra.Command{
	Use:   "output <session>",
	Short: "Show a session's pane output",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutput,
}

var outputLines int

func init() {
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(reviveCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(outputCmd)

	killCmd.Flags().BoolVar(&killAll, "all", false, "kill every active session")
	cleanCmd.Flags().BoolVar(&cleanDeadBackends, "dead-backends", false, "also reap unclaimed dead tmux sessions")
	outputCmd.Flags().IntVarP(&outputLines, "lines", "n", 200, "number of history lines to capture")
}

func runKill(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	if killAll {
		count, err := m.KillAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Killed %d session(s)\n", count)
		return nil
	}
	if len(args) == 0 {
		return fmt.Errorf("a session name or ID is required (or --all)")
	}

	s, err := resolveSession(m, args[0])
	if err != nil {
		return err
	}
	if _, err := m.KillSession(cmd.Context(), s.ID); err != nil {
		return err
	}
	fmt.Printf("Killed session %s (%s)\n", s.Name, shortID(s.ID))
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := resolveSession(m, args[0])
	if err != nil {
		return err
	}
	if _, err := m.PauseSession(cmd.Context(), s.ID); err != nil {
		return err
	}
	fmt.Printf("Paused session %s (%s)\n", s.Name, shortID(s.ID))
	return nil
}

func runRevive(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := resolveSession(m, args[0])
	if err != nil {
		return err
	}
	revived, err := m.ReviveSession(cmd.Context(), s.ID)
	if err != nil {
		return err
	}
	mode := "resumed"
	if s.State.String() == "failed" {
		mode = "restarted fresh"
	}
	fmt.Printf("Revived session %s (%s), %s\n", revived.Name, shortID(revived.ID), mode)
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := resolveSession(m, args[0])
	if err != nil {
		return err
	}
	renamed, err := m.RenameSession(cmd.Context(), s.ID, args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Renamed %s to %s\n", s.Name, renamed.Name)
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	if cleanDeadBackends {
		count, err := m.CleanupDeadBackends(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Reaped %d dead backend(s)\n", count)
		if len(args) == 0 {
			return nil
		}
	}
	if len(args) == 0 {
		return fmt.Errorf("a session name or ID is required (or --dead-backends)")
	}

	s, err := resolveSession(m, args[0])
	if err != nil {
		return err
	}
	if err := m.CleanSession(cmd.Context(), s.ID); err != nil {
		return err
	}
	fmt.Printf("Cleaned session %s (%s)\n", s.Name, shortID(s.ID))
	return nil
}

func runOutput(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := resolveSession(m, args[0])
	if err != nil {
		return err
	}
	out, err := m.Output(cmd.Context(), s.ID, outputLines)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
