package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rulebox/internal/engine"
	"github.com/roach88/rulebox/internal/listener"
	"github.com/roach88/rulebox/internal/snapshot"
)

const metricsShutdownTimeout = 5 * time.Second

// Listeners creates one listener per write-model stream, delivering to the
// event dispatcher. Positions live in the configured checkpoint store and
// exhausted events in the parked events collection.
func (a *App) Listeners() ([]*listener.Listener, error) {
	checkpoints, err := a.Checkpoints()
	if err != nil {
		return nil, err
	}
	action, err := listener.ParseAction(a.Config.Listener.OnExhausted)
	if err != nil {
		return nil, err
	}
	parked := listener.NewParked(a.Store.Documents(), listener.DefaultParkedCollection)

	var out []*listener.Listener
	for _, stream := range a.Streams() {
		lc := a.Config.Listener
		l, err := listener.New(listener.Config{
			Name:           lc.Name,
			Stream:         stream,
			PollInterval:   lc.PollInterval,
			BatchSize:      lc.BatchSize,
			MaxAttempts:    lc.MaxAttempts,
			InitialBackoff: lc.InitialBackoff,
			MaxBackoff:     lc.MaxBackoff,
			OnExhausted:    action,
		}, a.Store.Events(), checkpoints, parked, a.Engine.Dispatcher().Redelivery(),
			listener.WithLogger(a.logger),
			listener.WithMetrics(a.Metrics))
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Run serves until ctx is cancelled: the engine drains triggered commands,
// in stream mode every listener polls its stream, and with metrics enabled
// /metrics is served. The first component to fail stops the others.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Engine.Run(ctx) })

	if a.Engine.Mode() == engine.DispatchStream {
		listeners, err := a.Listeners()
		if err != nil {
			return err
		}
		for _, l := range listeners {
			g.Go(func() error { return l.Run(ctx) })
		}
	}

	if a.Config.Metrics.Enabled {
		srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: a.metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.logger.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	return mux
}

// Backup writes a snapshot of the store to the configured sink under name.
func (a *App) Backup(ctx context.Context, name string) (snapshot.Info, error) {
	sink, err := a.Sink(ctx)
	if err != nil {
		return snapshot.Info{}, err
	}
	info, err := snapshot.Backup(ctx, a.Store, sink, name, a.opts.now())
	if err != nil {
		return info, err
	}
	a.logger.Info("backup written", "name", name, "documents", info.Documents, "events", info.Events, "bytes", info.Bytes)
	return info, nil
}

// Restore loads the snapshot name from the configured sink into the store.
func (a *App) Restore(ctx context.Context, name string) (snapshot.Info, error) {
	sink, err := a.Sink(ctx)
	if err != nil {
		return snapshot.Info{}, err
	}
	info, err := snapshot.Restore(ctx, a.Store, sink, name)
	if err != nil {
		return info, err
	}
	a.logger.Info("backup restored", "name", name, "documents", info.Documents, "events", info.Events)
	return info, nil
}
