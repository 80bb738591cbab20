package cmd

import (
	"fmt"

	"github.com/muxkeep/muxkeep/internal/engine"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new session",
	Long: `Create a new session running the given provider inside tmux.

When the current directory is a git repository and workspace isolation is
enabled, the session gets its own worktree on a fresh branch. Advisory
conflicts (near the session limit, overlapping edits) are printed but do not
stop creation.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var (
	createProvider string
	createPrompt   string
	createWorkDir  string
)

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createProvider, "provider", "p", "", "provider to run (claude, codex, gemini, shell)")
	createCmd.Flags().StringVar(&createPrompt, "prompt", "", "initial prompt for the provider")
	createCmd.Flags().StringVarP(&createWorkDir, "dir", "d", "", "working directory (default is the current repository)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	m, cfg, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	res, err := m.CreateSession(cmd.Context(), engine.CreateRequest{
		Name:     args[0],
		Provider: createProvider,
		Prompt:   createPrompt,
		WorkDir:  createWorkDir,
	})
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	s := res.Session
	fmt.Printf("Created session %s (%s)\n", s.Name, shortID(s.ID))
	fmt.Printf("  Provider: %s\n", s.Provider)
	fmt.Printf("  Handle:   %s\n", s.Handle(cfg.Session.NamePrefix))
	if s.Workspace != nil {
		fmt.Printf("  Worktree: %s (branch %s)\n", s.Workspace.Path, s.Workspace.Branch)
	} else {
		fmt.Printf("  Workdir:  %s\n", s.WorkDir)
	}
	return nil
}
