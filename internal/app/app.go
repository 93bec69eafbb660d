// Package app builds the components shared by the zip-bundler binaries from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle"
	"github.com/bitrise-io/zip-bundler/bundle/blobstore"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	"github.com/bitrise-io/zip-bundler/bundle/network/chunkuploader"
	"github.com/bitrise-io/zip-bundler/config"
	"github.com/bitrise-io/zip-bundler/intake"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/bitrise-io/zip-bundler/queue"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "zip-bundler:job:"

// Builder creates clients lazily, so a binary only needs the settings of what it uses.
type Builder struct {
	cfg    config.Config
	logger log.Logger

	awsCfg  *aws.Config
	closers []func() error
}

// NewBuilder ...
func NewBuilder(cfg config.Config, logger log.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// AWS returns the shared AWS configuration.
func (b *Builder) AWS(ctx context.Context) (aws.Config, error) {
	if b.awsCfg != nil {
		return *b.awsCfg, nil
	}
	awsCfg, err := network.LoadAWSConfig(ctx, network.AWSParams{
		Region:          b.cfg.AWS.Region,
		AccessKeyID:     b.cfg.AWS.AccessKeyID,
		SecretAccessKey: string(b.cfg.AWS.SecretAccessKey),
		Endpoint:        b.cfg.AWS.Endpoint,
	}, b.logger)
	if err != nil {
		return aws.Config{}, err
	}
	b.awsCfg = awsCfg
	return *awsCfg, nil
}

// JobStore returns the configured job store, wrapped with the redis cache when one is set.
func (b *Builder) JobStore(ctx context.Context) (jobstore.Store, error) {
	var store jobstore.Store
	switch b.cfg.Jobs.Store {
	case config.StoreMemory:
		store = jobstore.NewMemoryStore()
	case config.StoreDynamoDB:
		awsCfg, err := b.AWS(ctx)
		if err != nil {
			return nil, err
		}
		store = jobstore.NewDynamoStore(jobstore.NewDynamoDBClient(awsCfg, b.cfg.AWS.Endpoint), b.cfg.Jobs.TableName)
	default:
		return nil, fmt.Errorf("unknown job store: %q", b.cfg.Jobs.Store)
	}

	if b.cfg.Jobs.RedisAddr == "" {
		return store, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{b.cfg.Jobs.RedisAddr}})
	b.closers = append(b.closers, client.Close)
	b.logger.Debugf("Caching ready jobs in redis at %s", b.cfg.Jobs.RedisAddr)
	return jobstore.NewCachedStore(store, jobstore.NewRedisCache(client, redisKeyPrefix), b.logger), nil
}

// ObjectStore returns the configured storage backend.
func (b *Builder) ObjectStore(ctx context.Context) (network.ObjectStore, error) {
	switch b.cfg.Storage.Backend {
	case config.BackendBlob:
		store := blobstore.NewStore(blobstore.URLOpener(b.cfg.Storage.BlobURLTemplate), b.logger)
		b.closers = append(b.closers, store.Close)
		return store, nil
	case config.BackendS3:
		awsCfg, err := b.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return network.NewS3Store(network.NewS3Client(awsCfg, b.cfg.AWS.Endpoint), b.logger), nil
	}
	return nil, fmt.Errorf("unknown storage backend: %q", b.cfg.Storage.Backend)
}

// SQS returns a client for the job queue.
func (b *Builder) SQS(ctx context.Context) (queue.SQSAPI, error) {
	if err := b.cfg.RequireQueue(); err != nil {
		return nil, err
	}
	awsCfg, err := b.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewSQSClient(awsCfg, b.cfg.AWS.Endpoint), nil
}

// ProcessorConfig maps the bundle settings onto the processor.
func (b *Builder) ProcessorConfig() bundle.ProcessorConfig {
	upload := chunkuploader.DefaultConfig()
	upload.SegmentSize = int(b.cfg.Bundle.PartSize)
	if b.cfg.Bundle.MaxRetryPerPart > 0 {
		upload.MaxRetryPerPart = b.cfg.Bundle.MaxRetryPerPart
	}
	return bundle.ProcessorConfig{
		ReadChunkSize: int(b.cfg.Bundle.ReadChunkSize),
		Upload:        upload,
		PresignTTL:    b.cfg.Bundle.PresignTTL,
	}
}

// IntakeDefaults ...
func (b *Builder) IntakeDefaults() intake.Defaults {
	return intake.Defaults{
		TargetPrefix: b.cfg.Bundle.TargetPrefix,
		PresignTTL:   b.cfg.Bundle.PresignTTL,
	}
}

// Close releases every client created by the builder.
func (b *Builder) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// HealthCheck pings the store when it supports it.
func HealthCheck(store jobstore.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		checker, ok := store.(jobstore.HealthChecker)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return checker.Ping(ctx)
	}
}
