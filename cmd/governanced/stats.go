package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"governance_engine/pkg/database"
	"governance_engine/pkg/governance"
)

func statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print voting statistics from the persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg, false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), initTimeout)
			defer cancel()

			db, err := database.NewService(&cfg.Database, logger.Named("database"))
			if err != nil {
				return fmt.Errorf("creating database service: %w", err)
			}
			if err := db.Start(ctx); err != nil {
				return fmt.Errorf("starting database: %w", err)
			}
			defer db.Stop(context.Background())

			// Gossip stays off for a read-only snapshot
			cfg.P2P.Enabled = false
			engine, err := governance.NewEngine(cfg, db.GetRepository(), logger.Named("engine"))
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}
			if err := engine.Start(ctx); err != nil {
				return fmt.Errorf("loading state: %w", err)
			}
			defer engine.Stop(context.Background())

			return printStatistics(engine.GetVotingStatistics())
		},
	}
}
