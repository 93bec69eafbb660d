// Command zipapi serves the job intake and status HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/config"
	"github.com/bitrise-io/zip-bundler/intake"
	"github.com/bitrise-io/zip-bundler/internal/app"
	"github.com/bitrise-io/zip-bundler/queue"
	_ "github.com/joho/godotenv/autoload"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	configPath := flag.String("config", "", "Path of an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, env.NewRepository())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.EnableDebugLog(cfg.Verbose)
	cfg.Print(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := app.NewBuilder(cfg, logger)
	defer func() {
		if err := builder.Close(); err != nil {
			logger.Warnf("Failed to close clients: %s", err)
		}
	}()

	jobs, err := builder.JobStore(ctx)
	if err != nil {
		return err
	}
	client, err := builder.SQS(ctx)
	if err != nil {
		return err
	}

	service := intake.NewService(jobs, queue.NewPublisher(client, cfg.Queue.URL), builder.IntakeDefaults(), logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           intake.NewRouter(service, app.HealthCheck(jobs), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", cfg.HTTPAddr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
