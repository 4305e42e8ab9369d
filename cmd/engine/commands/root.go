// Package commands implements the engine's cobra CLI surface (spec §6):
// serve, dlq list/requeue, locks list/release, events tail.
package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command to completion.
func Execute(ctx context.Context, version string) error {
	root := newRootCommand(version)
	return root.ExecuteContext(ctx)
}

func newRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:          "engine",
		Short:        "Stage E execution engine",
		Long:         "engine runs the durable execution pipeline that drives approved plans to completion, and administers its queue, locks, and DLQ.",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newDLQCommand())
	root.AddCommand(newLocksCommand())
	root.AddCommand(newEventsCommand())

	return root
}
