package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jordigilh/stagee/pkg/store"
)

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release asset locks",
	}
	cmd.AddCommand(newLocksListCommand())
	cmd.AddCommand(newLocksReleaseCommand())
	return cmd
}

func newLocksListCommand() *cobra.Command {
	var asset string
	var expired bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List asset locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			locks, err := a.store.ListLocks(ctx, asset, expired)
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				fmt.Println("no locks")
				return nil
			}
			fmt.Printf("%-36s %-20s %-20s %-40s %s\n", "LOCK_ID", "TENANT_ID", "ASSET_ID", "OWNER_TAG", "EXPIRES_AT")
			for _, l := range locks {
				fmt.Printf("%-36s %-20s %-20s %-40s %s\n", l.LockID, l.TenantID, l.AssetID, l.OwnerTag, l.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "filter by asset_id")
	cmd.Flags().BoolVar(&expired, "expired", false, "only show expired locks")
	return cmd
}

func newLocksReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <lock_id>",
		Short: "Force-release a lock (operator override; emits an AUDIT event)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			lockID := args[0]
			locks, err := a.store.ListLocks(ctx, "", false)
			if err != nil {
				return err
			}
			var target *store.AssetLock
			for _, l := range locks {
				if l.LockID == lockID {
					target = l
					break
				}
			}
			if target == nil {
				return fmt.Errorf("lock %s not found or already released", lockID)
			}

			if err := a.store.ReleaseLock(ctx, target.LockID, target.OwnerTag); err != nil {
				return err
			}
			a.events.EmitSystem(ctx, store.EventAudit, map[string]any{
				"action":    "locks release",
				"lock_id":   target.LockID,
				"tenant_id": target.TenantID,
				"asset_id":  target.AssetID,
				"owner_tag": target.OwnerTag,
			})
			fmt.Println("released lock", lockID)
			return nil
		},
	}
}
