package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"notesync/internal/api"
	"notesync/internal/config"
	"notesync/internal/localfs"
	"notesync/internal/remote"
	"notesync/internal/scheduler"
	"notesync/internal/syncexec"
	"notesync/internal/watch"
	"notesync/internal/worker"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var noScan bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync queue, local watcher and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Remote.URL == "" {
				return errors.New("remote.url is required to serve")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !noScan)
		},
	}
	cmd.Flags().BoolVar(&noScan, "no-scan", false, "skip the full reconcile at startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, initialScan bool) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.log

	if err := os.MkdirAll(cfg.Notes.Root, 0o755); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	serverClock := remote.NewServerClock(a.clock)
	rc := remote.NewHTTP(cfg.Remote.URL, cfg.Remote.Timeout, serverClock)
	fsys := localfs.NewDisk(cfg.Notes.Root)

	registry := worker.NewRegistry(a.repo,
		worker.WithClock(a.clock),
		worker.WithLogger(logger.With().Str("component", "worker").Logger()),
		worker.WithMetrics(worker.NewMetrics(reg)),
		worker.WithPollInterval(cfg.Scheduler.PollInterval),
	)
	proc := syncexec.NewProcessor(syncexec.StaticFS(fsys), rc, a.state, a.clock, logger.With().Str("component", "sync").Logger())
	proc.OnResult(func(r syncexec.Result) {
		if r.Conflict {
			logger.Warn().Str("path", r.Path).Str("action", string(r.Action)).Str("copy", r.ConflictCopy).Msg("sync conflict resolved")
		}
	})
	q := cfg.Queues.Sync
	if err := registry.Register(syncexec.QueueID, proc.QueueConfig(worker.QueueConfig{
		Concurrent:                 q.Concurrent,
		MaxRetries:                 q.MaxRetries,
		RetryDelay:                 q.RetryDelay,
		FailTaskOnProcessException: q.FailTaskOnProcessException,
	})); err != nil {
		return err
	}

	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Stop()

	if initialScan {
		if _, err := registry.Enqueue(ctx, syncexec.QueueID, syncexec.Payload{Op: syncexec.OpScan, ServerTime: serverClock.Now()}, 0); err != nil {
			return err
		}
	}

	retention := scheduler.NewService(a.repo, cfg.Retention.Schedule, cfg.Retention.TaskMaxAge(), a.clock,
		logger.With().Str("component", "retention").Logger(), a.sink)
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Repo:          a.repo,
			Registry:      registry,
			State:         a.state,
			Logs:          a.logs,
			Gatherer:      reg,
			Clock:         a.clock,
			ServerTime:    serverClock.Now,
			DefaultMaxAge: cfg.Retention.TaskMaxAge(),
			Log:           logger.With().Str("component", "api").Logger(),
			Debug:         cfg.HTTP.Debug,
		}),
	}

	var w *watch.Watcher
	if cfg.Watch.Enabled {
		w, err = watch.New(cfg.Notes.Root, cfg.Watch.Debounce, func(ctx context.Context, p string) error {
			_, err := registry.Enqueue(ctx, syncexec.QueueID, syncexec.Payload{
				Op:         syncexec.OpLocal,
				Path:       p,
				ServerTime: serverClock.Now(),
			}, 0)
			return err
		}, logger.With().Str("component", "watch").Logger())
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Logs.FlushInterval)
		defer ticker.Stop()
		a.sink.Run(gctx, ticker.C)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}
