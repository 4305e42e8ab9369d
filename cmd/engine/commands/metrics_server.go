package commands

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/stagee/pkg/metrics"
)

// errgroupWithMetrics returns an errgroup bound to ctx, plus (when addr is
// non-empty) a goroutine already registered to serve the Prometheus
// collectors of pkg/metrics until the group's context is cancelled.
func errgroupWithMetrics(ctx context.Context, addr string) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if addr == "" {
		return g, gctx
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-gctx.Done():
			return srv.Close()
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	return g, gctx
}
