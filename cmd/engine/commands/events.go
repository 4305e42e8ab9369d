package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the execution event stream",
	}
	cmd.AddCommand(newEventsTailCommand())
	return cmd
}

func newEventsTailCommand() *cobra.Command {
	var follow bool
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "tail <execution_id>",
		Short: "Print events_since(seq) for an execution; with --follow, keep polling for new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			executionID := args[0]
			var sinceSeq int64

			for {
				evs, err := a.events.Since(ctx, executionID, sinceSeq, 100)
				if err != nil {
					return err
				}
				for _, e := range evs {
					payload, _ := json.Marshal(e.Payload)
					fmt.Printf("seq=%d kind=%s %s->%s %s\n", e.Sequence, e.Kind, e.FromStatus, e.ToStatus, payload)
				}
				if len(evs) > 0 {
					sinceSeq = evs[len(evs)-1].Sequence
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollInterval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep polling for new events after the execution reaches a terminal state")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "polling cadence when --follow is set")
	return cmd
}
