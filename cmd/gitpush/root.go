package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/m3rciful/gitpush/bot/app"
	"github.com/m3rciful/gitpush/bot/config"
	"github.com/m3rciful/gitpush/core/buildinfo"
	corecmd "github.com/m3rciful/gitpush/core/cmd"
	coredatabase "github.com/m3rciful/gitpush/core/database"
	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/migrations"
)

const defaultConfigPath = "config.yaml"

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "gitpush",
		Short:         "Telegram bot that publishes ZIP archives to GitHub in a single commit",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (overrides CONFIG_PATH)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func runnerOptions(configPath string) corecmd.Options {
	return corecmd.Options{
		ConfigPath:        configPath,
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: defaultConfigPath,
		LoadConfig: func(path string) (corecmd.ConfigCarrier, error) {
			cfg, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			return cfg, nil
		},
		Bootstrap: func(ctx context.Context, cfg corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
			c, ok := cfg.(*config.Config)
			if !ok {
				return nil, fmt.Errorf("unexpected config type %T", cfg)
			}
			return app.Bootstrap(ctx, c)
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return corecmd.Run(runnerOptions(*configPath))
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := runnerOptions(*configPath).ResolveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				fmt.Fprintf(cmd.OutOrStdout(), "storage driver %q has no migrations\n", cfg.Storage.Driver)
				return nil
			}
			if err := logger.InitLogger(cfg.CoreConfig()); err != nil {
				return err
			}
			defer func() { _ = logger.Shutdown() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := coredatabase.RunMigrations(ctx, cfg.Database, migrations.FS, app.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gitpush "+buildinfo.String())
		},
	}
}
