package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iudanet/ledgerkeeper/internal/server"
	"github.com/iudanet/ledgerkeeper/internal/server/config"
	"github.com/iudanet/ledgerkeeper/internal/server/storage/sqlite"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "ledgerrelay",
		Short:         "Relay for ledgerkeeper devices: stores and forwards encrypted changes",
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")
	flags.String("address", "", "listen address")
	flags.String("db", "", "path to SQLite database")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	_ = v.BindPFlag("address", flags.Lookup("address"))
	_ = v.BindPFlag("db", flags.Lookup("db"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", slog.Any("error", err))
		}
	}()

	srv, err := server.New(cfg, store, logger, Version)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "relay starting",
		slog.String("version", Version),
		slog.String("commit", GitCommit),
		slog.String("db", cfg.DBPath))

	return srv.Run(ctx)
}
