// Package bundle turns a PENDING job into a zip archive in the destination bucket and a presigned link.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle/archive"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	"github.com/bitrise-io/zip-bundler/bundle/network/chunkuploader"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/docker/go-units"
)

// ProcessorConfig ...
type ProcessorConfig struct {
	// ReadChunkSize is the size of a single read from a source object.
	// Default: 1 MiB
	ReadChunkSize int
	Upload        chunkuploader.Config
	// PresignTTL is used for jobs that do not carry their own link lifetime.
	// Default: 24 hours
	PresignTTL time.Duration
}

// ProcessorParams ...
type ProcessorParams struct {
	Jobs      jobstore.Store
	Objects   network.ObjectReader
	Uploads   network.MultipartStore
	Presigner network.Presigner
	Config    ProcessorConfig
	// Tracker is optional.
	Tracker analytics.Tracker
	Logger  log.Logger
}

// Processor runs the whole pipeline for one job at a time.
type Processor struct {
	jobs      jobstore.Store
	objects   network.ObjectReader
	uploads   network.MultipartStore
	presigner network.Presigner
	config    ProcessorConfig
	tracker   jobTracker
	logger    log.Logger
}

// NewProcessor ...
func NewProcessor(params ProcessorParams) *Processor {
	config := params.Config
	if config.ReadChunkSize <= 0 {
		config.ReadChunkSize = network.DefaultReadChunkSize
	}
	if config.PresignTTL <= 0 {
		config.PresignTTL = jobstore.DefaultPresignTTL
	}
	return &Processor{
		jobs:      params.Jobs,
		objects:   params.Objects,
		uploads:   params.Uploads,
		presigner: params.Presigner,
		config:    config,
		tracker:   newJobTracker(params.Tracker),
		logger:    params.Logger,
	}
}

// Process bundles the job's keys into its target key and marks the job READY.
// Missing and already READY jobs are skipped without error. On failure the job stays PENDING
// and no partial archive is left at the destination.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.jobs.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		p.logger.Warnf("Job %s not found, skipping", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	if job.Status == jobstore.StatusReady {
		p.logger.Infof("Job %s is already ready, skipping", jobID)
		return nil
	}

	if err := p.process(ctx, *job); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	return nil
}

func (p *Processor) process(ctx context.Context, job jobstore.Job) error {
	start := time.Now()
	dest := network.Location{Bucket: job.Destination(), Key: job.TargetKey}
	p.logger.Infof("Bundling %d objects from %s into %s", len(job.Keys), job.SourceBucket, dest)

	members := make([]archive.Member, 0, len(job.Keys))
	for _, key := range job.Keys {
		members = append(members, archive.Member{
			Name:   path.Base(key),
			Source: network.NewChunkReader(p.objects, network.Location{Bucket: job.SourceBucket, Key: key}, p.config.ReadChunkSize),
		})
	}

	assembler := archive.NewAssembler(members, archive.WithModified(modifiedTime(job)))
	defer func() {
		if err := assembler.Close(); err != nil {
			p.logger.Warnf("Closing sources: %s", err)
		}
	}()

	uploader := chunkuploader.New(p.config.Upload, p.uploads, p.logger)
	result, err := uploader.Upload(ctx, dest, assembler)
	if err != nil {
		return err
	}
	p.logger.Donef("Archive uploaded to %s (%s in %d parts)", dest,
		units.HumanSizeWithPrecision(float64(result.Size), 3), len(result.Parts))

	ttl := job.PresignTTL(p.config.PresignTTL)
	if ttl > jobstore.MaxPresignTTL {
		p.logger.Warnf("Link lifetime %s of job %s exceeds %s, clamping", ttl, job.ID, jobstore.MaxPresignTTL)
		ttl = jobstore.MaxPresignTTL
	}
	url, err := p.presigner.PresignGet(ctx, dest, ttl)
	if err != nil {
		return fmt.Errorf("presign %s: %w", dest, err)
	}

	err = p.jobs.MarkReady(ctx, job.ID, url)
	if errors.Is(err, jobstore.ErrAlreadyReady) {
		p.logger.Warnf("Job %s was marked ready by another attempt", job.ID)
	} else if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	took := time.Since(start)
	p.tracker.logJobFinished(job, took, result, uploader.Stats())
	p.logger.Donef("Job %s is ready (took %s)", job.ID, took.Round(time.Millisecond))
	return nil
}

// modifiedTime keeps the archive bytes identical across attempts of the same job.
func modifiedTime(job jobstore.Job) time.Time {
	if job.CreatedAt > 0 {
		return time.Unix(job.CreatedAt, 0).UTC()
	}
	return time.Now().UTC()
}
