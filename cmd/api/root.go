package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"voicebridge/internal/config"
	"voicebridge/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootOptions is shared by every subcommand. cfg and log are set by the
// root's PersistentPreRunE.
type rootOptions struct {
	envFile string

	cfg config.Config
	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "voicebridge",
		Short:         "Voice assistant call-log ingestion and directory sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded outside production")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}

// load reads the env file (never in production), then config, then builds the logger.
func (o *rootOptions) load() error {
	if strings.TrimSpace(os.Getenv("APP_ENV")) != "production" && o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		return err
	}
	o.cfg = cfg
	o.log = logger.New(logger.Options{Env: cfg.App.Env, Level: cfg.App.LogLevel, Format: cfg.App.LogFormat})
	slog.SetDefault(o.log)
	return nil
}
