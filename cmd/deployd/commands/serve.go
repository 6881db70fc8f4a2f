package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/api"
	"github.com/fourclicks/deployd/pkg/config"
)

func newServeCommand(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the deployd HTTP API.

The API streams task executions and terraform operations as Server-Sent
Events. Metrics are served on their own listener when enabled, and the log
level follows edits to the config file.`,
		Example: `  # Serve with a config file
  deployd serve --config /etc/deployd/deployd.yaml

  # Override the listen address
  deployd serve --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			return serve(cmd.Context(), g, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address")
	return cmd
}

func serve(ctx context.Context, g *globals, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	logger := a.tel.Logger

	preparer, streamer, err := a.taskEngine()
	if err != nil {
		return err
	}
	runner, _, err := a.terraformRunner()
	if err != nil {
		return err
	}
	srv, err := api.New(api.Config{
		ListenAddress: cfg.Server.ListenAddress,
		Preparer:      preparer,
		Streamer:      streamer,
		Terraform:     runner,
		Store:         a.store,
		Logger:        logger,
		Metrics:       a.tel.Metrics,
	})
	if err != nil {
		return err
	}

	shutdown := func(stop func(context.Context) error, what string) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := stop(sctx); err != nil {
			logger.WithError(err).Warnf("failed to stop %s", what)
		}
	}

	var group run.Group

	group.Add(srv.ListenAndServe, func(error) {
		shutdown(srv.Shutdown, "API server")
	})

	if cfg.Telemetry.Metrics.Enabled {
		metricsServer := a.tel.Metrics.NewMetricsServer()
		group.Add(func() error {
			logger.Infof("metrics listening on %s", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdown(metricsServer.Shutdown, "metrics server")
		})
	}

	if g.configPath != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		watcher := config.NewWatcher(g.configPath, config.LevelReloader(logger), logger, g.envFiles...)
		group.Add(func() error {
			if err := watcher.Run(watchCtx); err != nil {
				logger.WithError(err).Warn("config reload disabled")
			}
			<-watchCtx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	group.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = group.Run()
	a.waitHooks(ctx)

	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		logger.Info("deployd stopped")
		return nil
	}
	return err
}
