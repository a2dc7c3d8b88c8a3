package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/database"
	"governance_engine/pkg/governance"
	"governance_engine/pkg/metrics"
	"governance_engine/pkg/p2p"
)

const (
	initTimeout     = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// daemon owns every long-running service started by serve
type daemon struct {
	db      *database.Service
	node    *p2p.Node
	engine  *governance.Engine
	metrics *metrics.Server
	logger  *zap.Logger
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governance engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			d, err := initializeDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			setupGracefulShutdown(ctx, cancel, d, logger)

			printBanner(cfg)
			<-ctx.Done()
			return nil
		},
	}
}

func initializeDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	d := &daemon{logger: logger}

	db, err := database.NewService(&cfg.Database, logger.Named("database"))
	if err != nil {
		return nil, fmt.Errorf("creating database service: %w", err)
	}
	if err := db.Start(initCtx); err != nil {
		return nil, fmt.Errorf("starting database: %w", err)
	}
	d.db = db

	var opts []governance.Option
	if cfg.P2P.Enabled {
		node, err := p2p.NewNode(&cfg.P2P, logger.Named("p2p"))
		if err != nil {
			d.stop(initCtx)
			return nil, fmt.Errorf("creating p2p node: %w", err)
		}
		d.node = node
		opts = append(opts, governance.WithNode(node))
	}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, governance.WithMetrics(registry))
	}

	engine, err := governance.NewEngine(cfg, db.GetRepository(), logger.Named("engine"), opts...)
	if err != nil {
		d.stop(initCtx)
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	if err := engine.Start(initCtx); err != nil {
		d.stop(initCtx)
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	d.engine = engine

	if registry != nil {
		d.metrics = metrics.NewServer(&cfg.Metrics, registry, logger.Named("metrics"))
		d.metrics.Start()
	}

	logger.Info("Daemon ready",
		zap.String("environment", cfg.Environment),
		zap.String("databaseDriver", cfg.Database.Driver),
		zap.Bool("p2p", cfg.P2P.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled))
	return d, nil
}

// stop shuts services down in reverse start order
func (d *daemon) stop(ctx context.Context) error {
	var errs []error
	if d.metrics != nil {
		errs = append(errs, d.metrics.Stop(ctx))
	}
	if d.engine != nil {
		// The engine stops the node it was given
		errs = append(errs, d.engine.Stop(ctx))
	} else if d.node != nil {
		errs = append(errs, d.node.Stop())
	}
	if d.db != nil {
		errs = append(errs, d.db.Stop(ctx))
	}
	d.logger.Info("All services stopped")
	return errors.Join(errs...)
}

func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, d *daemon, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
			logger.Info("Context cancelled")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := d.stop(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
			os.Exit(1)
		}

		cancel()
	}()
}
