package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muxkeep/muxkeep/internal/event"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the reconciliation loop in the foreground",
	Long: `Run the engine in the foreground and print every session event as
it happens. Useful for keeping an eye on long-running sessions; stop with
Ctrl-C.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	m, _, err := newEngine()
	if err != nil {
		return err
	}
	defer m.Close()

	m.Subscribe("*", func(e event.Event) {
		ts := e.Timestamp().Format(time.TimeOnly)
		switch ev := e.(type) {
		case event.SessionCreatedEvent:
			fmt.Printf("%s  created     %s (%s) provider=%s\n", ts, ev.Name, shortID(ev.SessionID), ev.Provider)
		case event.SessionStateChangedEvent:
			fmt.Printf("%s  state       %s (%s) %s -> %s: %s\n", ts, ev.Name, shortID(ev.SessionID), ev.From, ev.To, ev.Reason)
		case event.SessionPausedEvent:
			fmt.Printf("%s  paused      %s (%s)\n", ts, ev.Name, shortID(ev.SessionID))
		case event.SessionKilledEvent:
			fmt.Printf("%s  killed      %s (%s)\n", ts, ev.Name, shortID(ev.SessionID))
		case event.SessionRevivedEvent:
			mode := "fresh"
			if ev.Resumed {
				mode = "resumed"
			}
			fmt.Printf("%s  revived     %s (%s) %s\n", ts, ev.Name, shortID(ev.SessionID), mode)
		case event.SessionRenamedEvent:
			fmt.Printf("%s  renamed     %s -> %s (%s)\n", ts, ev.OldName, ev.NewName, shortID(ev.SessionID))
		case event.SessionCleanedEvent:
			fmt.Printf("%s  cleaned     %s (%s) was %s\n", ts, ev.Name, shortID(ev.SessionID), ev.LastState)
		case event.WorkspaceWarningEvent:
			fmt.Printf("%s  workspace   %s (%s): %s\n", ts, ev.Name, shortID(ev.SessionID), ev.Message)
		default:
			fmt.Printf("%s  %s\n", ts, e.EventType())
		}
	})

	fmt.Printf("Watching %d session(s); Ctrl-C to stop.\n", len(m.ListSessions()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("\nStopping.")
	return nil
}
