package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neotoma-io/neotoma/internal/lockfile"
	"github.com/neotoma-io/neotoma/internal/logging"
	"github.com/neotoma-io/neotoma/internal/server"
	"github.com/neotoma-io/neotoma/internal/telemetry"
)

var (
	serveListen     string
	serveWatchSeeds bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupOps,
	Short:   "Run the HTTP daemon",
	Long: `Serve the truth layer over HTTP. Takes an exclusive lock on the data
directory, loads schema seeds, and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		lock, err := lockfile.Acquire(rootCtx, settings.DataDir)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		// The daemon logs to the configured sink with rotation; the quiet
		// CLI logger is for one-shot commands only.
		fileLog, err := logging.New(settings.Log)
		if err != nil {
			return err
		}
		defer func() { _ = fileLog.Sync() }()
		logger = fileLog

		if err := telemetry.Init(rootCtx, "neotoma", Version); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(ctx)
		}()

		if err := openService(); err != nil {
			return err
		}

		if n, err := svc.SeedSchemas(rootCtx, settings.SeedsDir); err != nil {
			logger.Warn("schema seed load failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("schema seeds applied", zap.Int("count", n))
		}

		if serveListen != "" {
			settings.Listen = serveListen
		}
		srv := server.New(svc, logger, server.Config{
			Addr:           settings.Listen,
			RequestTimeout: settings.RequestTimeout,
		})

		g, gctx := errgroup.WithContext(rootCtx)
		if serveWatchSeeds {
			g.Go(func() error {
				return svc.WatchSeeds(gctx, settings.SeedsDir)
			})
		}
		g.Go(func() error {
			logger.Info("listening",
				zap.String("addr", settings.Listen),
				zap.String("db", settings.DBPath))
			return srv.Start(gctx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: config key listen)")
	serveCmd.Flags().BoolVar(&serveWatchSeeds, "watch-seeds", false, "Hot-load schema seed files dropped into the seeds directory")
	rootCmd.AddCommand(serveCmd)
}
