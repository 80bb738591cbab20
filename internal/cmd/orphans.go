package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List workspace directories no session claims",
	Long: `List worktrees under the workspace base directory that no session
record claims. These are usually left over from crashes or manual deletion
of state. Use 'muxkeep adopt' for tmux sessions and plain removal for
directories you no longer need.`,
	RunE: runOrphans,
}

var adoptCmd = &cobra.Command{
	Use:   "adopt <tmux-session>",
	Short: "Adopt an external tmux session",
	Long: `Bring a tmux session created outside muxkeep under management. The
session keeps its tmux name and owns no worktree; kill and clean work on it
like on any other session.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdopt,
}

var adoptWorkDir string

func init() {
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(adoptCmd)

	adoptCmd.Flags().StringVarP(&adoptWorkDir, "dir", "d", "", "working directory of the adopted session")
}

func runOrphans(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	orphans, err := m.Orphans(cmd.Context())
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Println("No orphaned workspaces.")
		return nil
	}
	fmt.Printf("Found %d orphaned workspace(s):\n", len(orphans))
	for _, path := range orphans {
		fmt.Printf("  %s\n", path)
	}
	return nil
}

func runAdopt(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := m.AdoptExternal(cmd.Context(), args[0], adoptWorkDir)
	if err != nil {
		return err
	}
	fmt.Printf("Adopted %s as session %s (%s)\n", args[0], s.Name, shortID(s.ID))
	return nil
}
