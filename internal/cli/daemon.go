package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/metrics"
	"github.com/pddg/liveupdate/internal/scheduler"
	"github.com/pddg/liveupdate/internal/server"
)

func newBackgroundCommand(opts *Options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "background",
		Short: "Run the periodic update checks in the foreground",
		Long: `Recover, then check for updates every check_interval until interrupted.
With --once a single check runs right away and its result is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withEngine(ctx, opts, func(e *engine) error {
				if err := e.Start(ctx); err != nil {
					return err
				}
				sched := scheduler.New(e, scheduler.WithBus(e.bus))
				if once {
					result, err := sched.Trigger(ctx)
					if err != nil {
						return err
					}
					if err := render(cmd.OutOrStdout(), opts.Output, result); err != nil {
						return err
					}
					return result.Err
				}
				if err := sched.Enable(ctx, e.Config()); err != nil {
					return err
				}
				<-ctx.Done()
				sched.Disable()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one check and exit")
	return cmd
}

func newDaemonCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve the control API and run background checks",
		Long: `Recover, then serve the HTTP control API and metrics. Background checks
run while background.enabled is set. With host_command configured, the daemon
runs the application and restarts it whenever the content root changes. The configuration file is watched and
applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), opts, true, func(e *engine) error {
				return runDaemon(cmd, opts, e)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", opts.Listen, "address the control API listens on")
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *Options, e *engine) error {
	ctx := cmd.Context()
	logger := logging.FromContext(ctx)
	accessLogger, err := logging.Configure("info", opts.LogFormat, cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("failed to setup access logger: %w", err)
	}

	logger.InfoContext(ctx, "recovering previous state")
	if err := e.Start(ctx); err != nil {
		return err
	}
	if e.app != nil {
		if err := e.app.Start(ctx); err != nil {
			return err
		}
	}
	e.bus.Subscribe(func(ev events.Event) {
		if ev.Kind == events.BackgroundUpdateNotification {
			logger.InfoContext(ctx, "update notification", "state", ev.State, "version", ev.Version, "message", ev.Message)
		}
	})

	sched := scheduler.New(e, scheduler.WithBus(e.bus))
	applyBackground := func(cfg config.Config) {
		if !cfg.Background.Enabled {
			sched.Disable()
			return
		}
		if err := sched.Enable(ctx, cfg); err != nil {
			logger.ErrorContext(ctx, "failed to enable background checks", "error", err)
		}
	}
	applyBackground(e.Config())
	defer sched.Disable()

	go func() {
		err := config.Watch(ctx, opts.ConfigPath, func(cfg config.Config) {
			if err := e.Reconfigure(ctx, cfg); err != nil {
				logger.WarnContext(ctx, "configuration rejected", "error", err)
				return
			}
			applyBackground(e.Config())
		})
		if err != nil {
			logger.ErrorContext(ctx, "configuration watcher stopped", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewBundleMetrics(ctx, e),
		metrics.NewBackgroundMetrics(sched),
	)

	accessLogMw := logging.NewAccessLogMiddleware(accessLogger, "/healthz", "/metrics")
	srv := http.Server{
		Addr:              opts.Listen,
		Handler:           accessLogMw.Use(server.NewAPIServer(e, sched, registry)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx := context.WithoutCancel(ctx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()
	logger.InfoContext(ctx, "starting server", "addr", opts.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	<-shutdownDone
	return nil
}
