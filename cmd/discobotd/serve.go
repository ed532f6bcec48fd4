package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wskish/discobot-sub010/internal/dispatcher"
	"github.com/wskish/discobot-sub010/internal/events"
	"github.com/wskish/discobot-sub010/internal/jobs"
	"github.com/wskish/discobot-sub010/internal/reaper"
	"github.com/wskish/discobot-sub010/internal/reconciler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, reconciler, idle reaper and event poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		logger := slog.Default()
		serverID := cfg.ServerID
		if serverID == "" {
			serverID = uuid.NewString()
		}
		logger = logger.With("server_id", serverID)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store ping: %w", err)
		}

		rt, err := newRuntime(cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		if !rt.ImageExists(ctx) {
			logger.Warn("sandbox image not present yet", "image", rt.Image())
		}

		poller := events.NewPoller(st, pollerConfig(), logger)
		if err := poller.Prime(ctx); err != nil {
			return fmt.Errorf("prime event poller: %w", err)
		}
		broker := events.NewBroker(st, poller, logger)

		mgr := newManager(cfg, st, rt, broker, logger)

		disp := dispatcher.New(st, cfg.Dispatcher, serverID, broker, logger)
		for _, e := range jobs.Executors(mgr) {
			disp.RegisterExecutor(e)
		}

		rec := reconciler.New(st, rt, mgr, cfg.Reconciler.Interval.Duration, cfg.Sandbox.StopTimeout.Duration, logger)
		rec.SetGate(disp.IsLeader)

		rpr := reaper.New(st, mgr, cfg.Sandbox.IdleTimeout.Duration, cfg.Sandbox.IdleCheckInterval.Duration, logger)
		rpr.SetGate(disp.IsLeader)

		retention, err := events.NewRetention(st, cfg.Events.RetentionSchedule, cfg.Events.Retention.Duration, logger)
		if err != nil {
			return err
		}

		logger.Info("discobotd starting", "backend", cfg.Sandbox.Backend, "image", rt.Image(), "db", cfg.DBPath)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return poller.Run(gctx) })
		g.Go(func() error { return disp.Run(gctx) })
		g.Go(func() error { return rec.Run(gctx) })
		g.Go(func() error { return rpr.Run(gctx) })
		g.Go(func() error { return retention.Run(gctx) })
		g.Go(func() error { return mgr.Watch(gctx) })

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("discobotd stopped")
		return nil
	},
}

func pollerConfig() events.PollerConfig {
	pc := events.DefaultPollerConfig()
	if d := cfg.Events.PollInterval.Duration; d > 0 {
		pc.PollInterval = d
	}
	if cfg.Events.BatchSize > 0 {
		pc.BatchSize = cfg.Events.BatchSize
	}
	if cfg.Events.Buffer > 0 {
		pc.Buffer = cfg.Events.Buffer
	}
	return pc
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
