package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/advisor/internal/engine"
	"github.com/rendis/advisor/internal/scheduler"
	"github.com/rendis/advisor/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cmd.Flags().Changed("scheduler") {
				c.cfg.Scheduler.Enabled = withScheduler
			}
			return c.withApp(ctx, func(a *app) error {
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "run due scheduled workflows (overrides scheduler.enabled)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	pool := engine.NewRunPool(a.runner.Run, a.cfg.Pool.Size, a.logger)
	defer pool.Shutdown()

	if a.cfg.Scheduler.Enabled {
		sched := scheduler.NewScheduler(a.store, a.runner, a.logger, scheduler.Options{
			Interval: a.cfg.Scheduler.Interval,
		})
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Warn("recover missed schedules", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewAdvisorServer(mcp.AdvisorServerDeps{
		Engine:    a.runner,
		Starter:   a.runner,
		Pool:      pool,
		Store:     a.store,
		Validator: a.validator,
		Logger:    a.logger,
	})
	a.logger.Info("advisor MCP server listening on stdio",
		slog.String("db_driver", a.cfg.DB.Driver),
		slog.Bool("scheduler", a.cfg.Scheduler.Enabled),
		slog.Int("pool_size", a.cfg.Pool.Size),
	)
	return srv.Serve(ctx)
}
