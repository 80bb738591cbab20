package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Long: `List all sessions with their current state. States are reconciled
against the tmux server before printing, so what you see is what tmux
reports.`,
	RunE: runList,
}

var listRefresh bool

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listRefresh, "refresh", true, "reconcile against tmux before listing")
}

func runList(cmd *cobra.Command, args []string) error {
	m, cfg, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	if listRefresh {
		m.RefreshNow(cmd.Context())
	}

	sessions := m.ListSessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		fmt.Println("Run 'muxkeep create <name>' to start one.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tSTATE\tAGE\tWORKSPACE")
	for _, s := range sessions {
		workspace := "-"
		if s.Workspace != nil {
			workspace = s.Workspace.Branch
		}
		if s.Adopted {
			workspace = "(adopted: " + s.Handle(cfg.Session.NamePrefix) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Name, s.Provider, s.State, age(s.CreatedAt), workspace)
	}
	return w.Flush()
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
