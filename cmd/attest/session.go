package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/attest/internal/controlplane"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show or control the work session",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st controlplane.SessionStatus
		if err := apiGet("/session", &st); err != nil {
			return err
		}
		printSession(st)
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(
		sessionCommand("start", "Open a new session run; restarts the session clock", true),
		sessionCommand("pause", "Pause new protocol rounds", true),
		sessionCommand("resume", "Resume a paused session", false),
		sessionCommand("stop", "Stop the session and hand open tasks to a human", true),
	)
}

func sessionCommand(action, short string, withReason bool) *cobra.Command {
	use := action
	if withReason {
		use += " [reason]"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]interface{}
			if withReason && len(args) > 0 {
				body = map[string]interface{}{"reason": strings.Join(args, " ")}
			}
			var st controlplane.SessionStatus
			if err := apiPost("/session/"+action, body, &st); err != nil {
				return err
			}
			printSession(st)
			return nil
		},
	}
}

func printSession(st controlplane.SessionStatus) {
	fmt.Printf("Session: %s\n", st.State)
	if !st.StartedAt.IsZero() {
		fmt.Printf("Started: %s\n", humanize.Time(st.StartedAt))
	}
	if !st.ChangedAt.IsZero() {
		fmt.Printf("Changed: %s\n", humanize.Time(st.ChangedAt))
	}
	if st.Reason != "" {
		fmt.Printf("Reason:  %s\n", st.Reason)
	}
}
