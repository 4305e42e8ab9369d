// Package workerpool implements the WorkerPool (spec §4.13): N worker
// goroutines leasing one item at a time, driving the ExecutionEngine, and
// renewing their lease at ttl/3 cadence while the execution runs.
package workerpool

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/stagee/pkg/queue"
	"github.com/jordigilh/stagee/pkg/store"
)

// Runner drives one execution to completion. *engine.Engine satisfies this.
type Runner interface {
	Run(ctx context.Context, executionID string) error
}

// DefaultWorkers is the pool size absent operator configuration (spec
// §4.13: "configurable; default 4").
const DefaultWorkers = 4

// Config configures the pool.
type Config struct {
	Queue        *queue.Queue
	Runner       Runner
	Workers      int
	LeaseTTL     time.Duration
	MaxAttempts  int
	WorkerIDBase string
	Log          logr.Logger
}

// Pool supervises N workers, each bounded to one in-flight item (spec
// §4.13: fairness and flow control come from the queue, not the pool).
type Pool struct {
	cfg Config

	mu      sync.RWMutex
	healthy map[string]time.Time

	shutdown atomic.Bool
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.WorkerIDBase == "" {
		cfg.WorkerIDBase = "worker"
	}
	return &Pool{cfg: cfg, healthy: make(map[string]time.Time)}
}

// Run blocks until ctx is cancelled, supervising cfg.Workers goroutines. A
// crashed worker (its loop returning an error) is restarted; Run itself
// only returns once every worker has exited after ctx cancellation.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := workerID(p.cfg.WorkerIDBase, i)
		g.Go(func() error {
			for {
				if err := p.workerLoop(ctx, workerID); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					p.cfg.Log.Error(err, "worker crashed, restarting", "worker_id", workerID)
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func workerID(base string, i int) string {
	return base + "-" + strconv.Itoa(i)
}

// Shutdown stops workers from leasing new items; in-flight items are left
// to finish naturally when ctx passed to Run is cancelled by the caller.
func (p *Pool) Shutdown() {
	p.shutdown.Store(true)
}

// workerLoop leases at most one item, drives it to completion with lease
// renewal, and acks/nacks the result.
func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	p.touch(workerID)

	if p.shutdown.Load() {
		<-ctx.Done()
		return nil
	}

	items, err := p.cfg.Queue.Lease(ctx, 1, workerID, p.cfg.LeaseTTL)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
		return err
	}
	if len(items) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
		}
		return nil
	}

	item := items[0]
	return p.drive(ctx, workerID, item)
}

func (p *Pool) drive(ctx context.Context, workerID string, item *store.QueueItem) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewInterval := p.cfg.LeaseTTL / 3
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if item.LeaseToken == nil {
					continue
				}
				if err := p.cfg.Queue.RenewLease(runCtx, item.QueueID, *item.LeaseToken, p.cfg.LeaseTTL); err != nil {
					p.cfg.Log.Error(err, "lease renewal failed", "queue_id", item.QueueID)
				}
			}
		}
	}()

	runErr := p.cfg.Runner.Run(runCtx, item.ExecutionID)
	cancel()
	wg.Wait()

	if item.LeaseToken == nil {
		return nil
	}

	var exhausted *store.StepRetriesExhausted
	if errors.As(runErr, &exhausted) {
		// The execution reached its own FAILED terminal status; this queue
		// item is done, not crashed, so it goes straight to the DLQ instead
		// of consuming another redelivery attempt (spec §8 scenario 6).
		return p.cfg.Queue.Nack(ctx, item, store.NackStepRetriesExhausted, 1, exhausted.ErrorKind, exhausted.ErrorMasked, "")
	}
	if runErr != nil {
		return p.cfg.Queue.Nack(ctx, item, store.NackWorkerException, p.cfg.MaxAttempts, "internal", runErr.Error(), "")
	}
	return p.cfg.Queue.Ack(ctx, item.QueueID, *item.LeaseToken)
}

func (p *Pool) touch(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[workerID] = time.Now()
}

// Health reports the last-seen timestamp per worker; a worker whose
// timestamp is older than 2×LeaseTTL is considered unhealthy by the caller.
func (p *Pool) Health() map[string]time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]time.Time, len(p.healthy))
	for k, v := range p.healthy {
		out[k] = v
	}
	return out
}
