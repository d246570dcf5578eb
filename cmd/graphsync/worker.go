package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/graphsync/internal/metrics"
	"github.com/scrypster/graphsync/internal/schema"
	"github.com/scrypster/graphsync/internal/server"
	"github.com/scrypster/graphsync/internal/worker"
)

const disconnectTimeout = 10 * time.Second

func newWorkerCmd(a *app) *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the sync worker and its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx, serve)
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", true, "Serve health, metrics and the event stream over HTTP")
	return cmd
}

func (a *app) runWorker(ctx context.Context, serve bool) error {
	log := a.logger

	be, err := openBackend(ctx, a.cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	g, err := openGraph(ctx, a.cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := g.Disconnect(dctx); err != nil {
			log.Warn("disconnect graph", zap.Error(err))
		}
	}()

	wcfg := workerConfig(a.cfg)
	if err := schema.Ensure(ctx, g, wcfg.Schema, log); err != nil {
		return err
	}

	collector := metrics.New(metrics.DefaultNamespace)
	collector.WatchQueue(metrics.DefaultNamespace, be.store.Counts, log)
	collector.WatchBreaker(metrics.DefaultNamespace, g)

	var srv *server.Server
	w := worker.New(be.store, g, be.notifier, wcfg,
		worker.WithLogger(log),
		worker.WithObserver(collector.Observe),
		worker.WithObserver(func(ev worker.Event) {
			if srv != nil {
				srv.Publish(ev)
			}
		}),
	)
	if serve {
		srv = server.New(server.Config{Host: a.cfg.Server.Host, Port: a.cfg.Server.Port}, be.store, w,
			server.WithLogger(log),
			server.WithMetrics(collector.Handler()),
			server.WithCheck("store", be.store.Ping),
			server.WithCheck("graph", g.HealthCheck),
		)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if srv != nil {
		eg.Go(func() error { return srv.ListenAndServe(egCtx, nil) })
	}
	if a.cfg.Sync.AutoStart {
		eg.Go(func() error { return w.Run(egCtx) })
	} else {
		log.Info("auto start disabled; worker idle until restarted with GRAPHSYNC_AUTO_START=true")
	}
	return eg.Wait()
}
