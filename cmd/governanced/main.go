package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/utils"
)

const programName = "governanced"

var globalFlags = struct {
	configFile string
	envFile    string
	debug      bool
}{}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Decentralized governance and consensus engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside development
			if err := godotenv.Load(globalFlags.envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("loading %s: %w", globalFlags.envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&globalFlags.configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.envFile, "env-file", ".env", "dotenv file with GOV_ overrides")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCommand(),
		statsCommand(),
		keygenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if globalFlags.debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func initLogger(cfg *config.Config, console bool) (*zap.Logger, error) {
	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Debug = globalFlags.debug || cfg.IsDevelopment()
	logCfg.Console = console
	logCfg.Sampling = !cfg.IsDevelopment()
	logCfg.Fields = map[string]string{"service": programName, "environment": cfg.Environment}
	if cfg.LogFile != "" {
		logCfg.OutputPath = cfg.LogFile
	}
	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}
