package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/config"
	"github.com/rmacdonaldsmith/dbcast/internal/logging"
)

const appName = "dbcast"

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Real-time database change broadcaster",
		Long: `dbcast fans database change events out to WebSocket subscribers.
Subscribers join channels under "db" and only ever receive changes for the
tables their token authorizes.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dbcast.yaml)")

	rootCmd.AddCommand(newServeCommand(&cfgFile))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, version)
		},
	})
	return rootCmd
}

func newServeCommand(cfgFile *string) *cobra.Command {
	var (
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "HTTP listen address (overrides server.listenAddr)")
	cmd.Flags().StringVarP(&logLevel, "log-level", "L", "", "log level (debug, info, warn, error)")
	return cmd
}

// serve runs the broker until ctx is cancelled, then shuts down within
// cfg.Server.ShutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	errCh, err := a.Start(ctx)
	if err != nil {
		return err
	}

	logger.Info("dbcast started",
		zap.String("version", version),
		zap.String("http", a.HTTPAddr()),
		zap.String("health", a.HealthAddr()),
		zap.String("environment", cfg.Server.Environment))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}
	logger.Info("dbcast stopped")
	return runErr
}
