package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VenkatGGG/leasebroker/internal/config"
	"github.com/VenkatGGG/leasebroker/internal/logging"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "leasebroker",
		Short:        "Broker time-bounded leases on shared resources",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: cli or json")

	root.AddCommand(newServeCmd(flags), newSweepCmd(flags))
	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func newSweepCmd(flags *rootFlags) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed offers and contracts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			sw := app.sweeper(cfg)
			if !once {
				sw.Run(ctx)
				return nil
			}
			result, err := sw.RunOnce(ctx)
			logger.Info("sweep complete",
				"expired_offers", result.ExpiredOffers,
				"expired_contracts", result.ExpiredContracts,
				"fulfilled_contracts", result.FulfilledContracts,
			)
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	return cmd
}

// setup loads configuration and lets command-line flags override the
// logging settings.
func setup(flags *rootFlags) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	mode, err := logging.ParseMode(cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(mode, os.Stderr, level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      app.server(cfg).Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		if cfg.SweepInterval > 0 {
			app.sweeper(cfg).Run(ctx)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("leasebroker listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "lock", cfg.LockBackend)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		cancel()
		<-sweeperDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	<-sweeperDone
	logger.Info("leasebroker stopped")
	return nil
}
