package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered executions",
	}
	cmd.AddCommand(newDLQListCommand())
	cmd.AddCommand(newDLQRequeueCommand())
	return cmd
}

func newDLQListCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.store.ListDLQ(ctx, tenant)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no dead-lettered executions")
				return nil
			}
			fmt.Printf("%-36s %-36s %-24s %-9s %s\n", "DLQ_ID", "EXECUTION_ID", "ERROR_KIND", "ATTEMPTS", "REQUEUED")
			for _, it := range items {
				fmt.Printf("%-36s %-36s %-24s %-9d %v\n", it.DLQID, it.ExecutionID, it.LastErrorKind, it.AttemptCount, it.Requeued)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant_id")
	return cmd
}

func newDLQRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <dlq_id>",
		Short: "Requeue a dead-lettered execution for another run attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			executionID, err := a.store.RequeueDLQ(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := a.queue.Enqueue(ctx, executionID, nil, 0, time.Now()); err != nil {
				return err
			}
			fmt.Println("requeued execution", executionID)
			return nil
		},
	}
}
