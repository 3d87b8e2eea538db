package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mediastorage-proxy/pkg/config"
	"mediastorage-proxy/pkg/proxy"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mediastorage-proxy",
		Short: "HTTP gateway for replicated media storage",
		Long: `An HTTP gateway in front of a replicated storage cluster.
Files are written to weighted group couples, read back with couple
fallback, and served under per-namespace policies.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		address     string
		profileMode string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Long:  `Start the gateway and serve upload, get, delete, download-info and statistics endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if configFile == "" {
				return fmt.Errorf("config file is required")
			}
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if address != "" {
				cfg.Proxy.Address = address
			}

			switch profileMode {
			case "":
			case "cpu":
				defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
			case "mem":
				defer profile.Start(profile.MemProfile, profile.NoShutdownHook).Stop()
			default:
				return fmt.Errorf("unknown profile mode %q (want cpu or mem)", profileMode)
			}

			p, err := proxy.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build proxy: %w", err)
			}
			p.Start()
			defer p.Stop()

			srv := &http.Server{
				Addr:    cfg.Proxy.Address,
				Handler: p,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("proxy listening",
					zap.String("address", cfg.Proxy.Address),
					zap.Int("namespaces", len(cfg.Namespaces)),
					zap.Int("remotes", len(cfg.Remotes)))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigChan:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.WaitTimeout())
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to shut down cleanly: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&profileMode, "profile", "", "write a cpu or mem profile on exit")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mediastorage-proxy v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
