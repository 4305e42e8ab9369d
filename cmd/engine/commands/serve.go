package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordigilh/stagee/pkg/metrics"
	"github.com/jordigilh/stagee/pkg/mutex"
	"github.com/jordigilh/stagee/pkg/queue"
)

func newServeCommand() *cobra.Command {
	var workers int
	var queueBatch int
	var leaseTTL time.Duration
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, reapers, and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if workers > 0 {
				a.cfg.Workers.Count = workers
			}
			if leaseTTL > 0 {
				a.cfg.Workers.LeaseTTL = leaseTTL
			}
			_ = queueBatch // reserved: workerpool leases one item per worker per spec §4.13

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}

			eng := a.newEngine()
			pool := a.newPool(eng)

			g, gctx := errgroupWithMetrics(ctx, metricsAddr)
			g.Go(func() error { return pool.Run(gctx) })
			g.Go(func() error { return runReaper(gctx, a.queue, a.mutex) })

			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "worker pool size (default from config)")
	cmd.Flags().IntVar(&queueBatch, "queue-batch", 1, "accepted but not used: each worker always leases one item per poll")
	cmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 0, "lease duration (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables it")

	return cmd
}

// runReaper sweeps expired leases and stale locks at the cadence spec §4.4
// and §4.11 mandate, publishing the supplemented Prometheus gauges.
func runReaper(ctx context.Context, q *queue.Queue, m *mutex.Service) error {
	ticker := time.NewTicker(queue.ReaperInterval(30 * time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := q.Reap(ctx)
			if err == nil {
				metrics.RecordLeasesExpired(n)
			}
			reaped, err := m.Reap(ctx)
			if err == nil {
				metrics.RecordLocksReaped(reaped)
			}
		}
	}
}
