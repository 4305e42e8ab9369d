package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/jordigilh/stagee/internal/config"
	"github.com/jordigilh/stagee/pkg/adapters"
	"github.com/jordigilh/stagee/pkg/cancellation"
	"github.com/jordigilh/stagee/pkg/dispatcher"
	"github.com/jordigilh/stagee/pkg/engine"
	"github.com/jordigilh/stagee/pkg/events"
	applog "github.com/jordigilh/stagee/pkg/log"
	"github.com/jordigilh/stagee/pkg/mutex"
	"github.com/jordigilh/stagee/pkg/queue"
	"github.com/jordigilh/stagee/pkg/rbac"
	"github.com/jordigilh/stagee/pkg/secretstore"
	"github.com/jordigilh/stagee/pkg/store"
	"github.com/jordigilh/stagee/pkg/workerpool"

	"github.com/go-logr/logr"
)

// app bundles every collaborator a command needs, assembled once per
// invocation from the loaded config (spec §6 "Environment").
type app struct {
	cfg    *config.Config
	store  store.Store
	events *events.Emitter
	queue  *queue.Queue
	mutex  *mutex.Service
	rbac   *rbac.Validator
	cancel *cancellation.Registry
	log    logr.Logger

	closers []func() error
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := applog.New(applog.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := store.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = pg
	} else {
		st = store.NewMemoryStore()
	}

	emitter := events.New(st)

	rbacValidator, err := rbac.New(ctx, rbac.Options{
		LRUSize:   cfg.RBAC.LRUSize,
		RedisAddr: cfg.RBAC.RedisAddr,
	}, emitter)
	if err != nil {
		return nil, fmt.Errorf("init rbac: %w", err)
	}

	a := &app{
		cfg:    cfg,
		store:  st,
		events: emitter,
		queue:  queue.New(st),
		mutex:  mutex.New(st, emitter),
		rbac:   rbacValidator,
		cancel: cancellation.New(),
		log:    log,
	}
	a.closers = append(a.closers, rbacValidator.Close)
	if closer, ok := st.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c()
	}
}

func (a *app) newDispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(dispatcher.Config{
		Store:              a.store,
		Queue:              a.queue,
		Events:             a.events,
		Cancellation:       a.cancel,
		ImmediateThreshold: a.cfg.Dispatcher.ImmediateThreshold,
	})
}

func (a *app) newEngine() *engine.Engine {
	secrets := secretstore.New(a.cfg.SecretStore.URL, a.events)
	var assetAdapter, automationAdapter adapters.Client
	if a.cfg.AssetAdapter.URL != "" {
		assetAdapter = adapters.NewAssetAdapter(a.cfg.AssetAdapter.URL, a.log)
	}
	if a.cfg.AutomationAdapter.URL != "" {
		automationAdapter = adapters.NewAutomationAdapter(a.cfg.AutomationAdapter.URL, a.log)
	}
	return engine.New(engine.Config{
		Store:        a.store,
		Events:       a.events,
		RBAC:         a.rbac,
		Mutex:        a.mutex,
		Secrets:      secrets,
		AssetAdapter: assetAdapter,
		Automation:   automationAdapter,
		Timeouts:     a.cfg.Matrix(),
		Cancellation: a.cancel,
		Log:          a.log,
	})
}

func (a *app) newPool(r workerpool.Runner) *workerpool.Pool {
	return workerpool.New(workerpool.Config{
		Queue:       a.queue,
		Runner:      r,
		Workers:     a.cfg.Workers.Count,
		LeaseTTL:    a.cfg.Workers.LeaseTTL,
		MaxAttempts: 3,
		Log:         a.log,
	})
}

// exit codes per spec §6: 0 success, 1 error, 2 usage.
func exitError(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
