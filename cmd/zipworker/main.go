// Command zipworker consumes bundling jobs from the queue, or processes a single job with -job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/analytics"
	"github.com/bitrise-io/zip-bundler/bundle"
	"github.com/bitrise-io/zip-bundler/config"
	"github.com/bitrise-io/zip-bundler/internal/app"
	"github.com/bitrise-io/zip-bundler/queue"
	_ "github.com/joho/godotenv/autoload"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	configPath := flag.String("config", "", "Path of an optional YAML config file")
	jobID := flag.String("job", "", "Process this job and exit instead of consuming the queue")
	flag.Parse()

	envRepo := env.NewRepository()
	cfg, err := config.Load(*configPath, envRepo)
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
	objects, err := builder.ObjectStore(ctx)
	if err != nil {
		return err
	}

	tracker := analytics.NewWorkerTracker(envRepo, analytics.NewFactory(cfg.Analytics, logger))
	defer tracker.Wait()

	processor := bundle.NewProcessor(bundle.ProcessorParams{
		Jobs:      jobs,
		Objects:   objects,
		Uploads:   objects,
		Presigner: objects,
		Config:    builder.ProcessorConfig(),
		Tracker:   tracker,
		Logger:    logger,
	})

	if *jobID != "" {
		return processor.Process(ctx, *jobID)
	}

	client, err := builder.SQS(ctx)
	if err != nil {
		return err
	}
	receiverConfig := queue.DefaultReceiverConfig(cfg.Queue.URL)
	receiverConfig.Pollers = cfg.Queue.Pollers
	receiver := queue.NewReceiver(client, receiverConfig, processor, logger)

	logger.Infof("Consuming %s with %d poller(s)", cfg.Queue.URL, receiverConfig.Pollers)
	receiver.Start(ctx)
	<-ctx.Done()
	logger.Infof("Shutting down, waiting up to %s for in-flight jobs", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return receiver.Shutdown(shutdownCtx)
}
