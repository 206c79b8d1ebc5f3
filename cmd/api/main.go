package main

import (
	"cdss-inference/internal/bootstrap"
	"cdss-inference/internal/config"
	"cdss-inference/internal/logging"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile      string
	embedWorkers bool
	portOverride int
)

var rootCmd = &cobra.Command{
	Use:          "cdss-api",
	Short:        "Inference API server",
	Long:         `cdss-api accepts DICOM inference requests, queues them and serves task status.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.Flags().IntVar(&portOverride, "port", 0, "HTTP server port (overrides server.port)")
	rootCmd.Flags().BoolVar(&embedWorkers, "workers", true, "run inference workers in this process")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if portOverride > 0 {
		v.Set("server.port", portOverride)
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "memory" && !embedWorkers {
		return errors.New("the memory store needs in-process workers; drop --workers=false or use the sqlite store")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var wg sync.WaitGroup
	if embedWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.Workers.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker error", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("API server starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("workers", embedWorkers),
		zap.String("version", bootstrap.Version),
	)
	runErr := serve(ctx, server, logger)

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error closing server", zap.Error(err))
	}

	// Jobs already dequeued run to completion; nothing new is picked up.
	stopWorkers()
	app.Queue.Close()
	wg.Wait()

	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("error releasing resources", zap.Error(err))
	}
	logger.Info("server stopped")
	return runErr
}

// serve runs server until ctx is done or the listener fails. A listener
// failure is returned; the caller still shuts the server down.
func serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		if err == nil {
			return nil
		}
		logger.Error("server error", zap.Error(err))
		return fmt.Errorf("http server: %w", err)
	}
}
