package main

import (
	"cdss-inference/internal/bootstrap"
	"cdss-inference/internal/config"
	"cdss-inference/internal/logging"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	dbPath      string
	concurrency int
)

var rootCmd = &cobra.Command{
	Use:          "cdss-worker",
	Short:        "Inference worker",
	Long:         `cdss-worker leases pending jobs from the shared SQLite store and runs them.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides store.path)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent jobs (overrides worker.concurrency)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	// A standalone worker only makes sense against a shared store.
	v.Set("store.driver", "sqlite")
	if dbPath != "" {
		v.Set("store.path", dbPath)
	}
	if concurrency > 0 {
		v.Set("worker.concurrency", concurrency)
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down worker...")
		cancel()
		app.Queue.Close()
	}()

	logger.Info("worker started, polling for jobs...",
		zap.String("db", cfg.Store.Path),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Duration("lease", cfg.Worker.LeaseDuration),
	)

	runErr := app.Workers.Run(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := app.Close(closeCtx); err != nil {
		logger.Warn("error releasing resources", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker error", zap.Error(runErr))
		return fmt.Errorf("worker: %w", runErr)
	}
	logger.Info("worker stopped")
	return nil
}
