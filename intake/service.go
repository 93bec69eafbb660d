// Package intake accepts bundling requests and reports job status.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/google/uuid"
)

// ErrInvalidRequest ...
var ErrInvalidRequest = errors.New("invalid request")

// Publisher hands a job id to the worker queue.
type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

// Request ...
type Request struct {
	SourceBucket      string   `json:"sourceBucket"`
	Keys              []string `json:"keys"`
	TargetBucket      string   `json:"targetBucket,omitempty"`
	TargetPrefix      string   `json:"targetPrefix,omitempty"`
	PresignTTLSeconds int64    `json:"presignTtlSeconds,omitempty"`
}

// Accepted ...
type Accepted struct {
	JobID  string          `json:"jobId"`
	Status jobstore.Status `json:"status"`
}

// StatusView is the caller-facing view of a job.
type StatusView struct {
	JobID        string          `json:"jobId"`
	Status       jobstore.Status `json:"status"`
	DownloadURL  string          `json:"downloadUrl,omitempty"`
	TargetBucket string          `json:"targetBucket,omitempty"`
	TargetKey    string          `json:"targetKey,omitempty"`
}

// Defaults ...
type Defaults struct {
	TargetPrefix string
	PresignTTL   time.Duration
}

// Service ...
type Service struct {
	jobs      jobstore.Store
	publisher Publisher
	defaults  Defaults
	logger    log.Logger

	now   func() time.Time
	newID func() string
}

// NewService ...
func NewService(jobs jobstore.Store, publisher Publisher, defaults Defaults, logger log.Logger) *Service {
	if defaults.PresignTTL <= 0 {
		defaults.PresignTTL = jobstore.DefaultPresignTTL
	}
	return &Service{
		jobs:      jobs,
		publisher: publisher,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Submit validates the request, records a PENDING job and enqueues it.
func (s *Service) Submit(ctx context.Context, req Request) (Accepted, error) {
	if err := validate(req); err != nil {
		return Accepted{}, err
	}

	id := s.newID()
	prefix := req.TargetPrefix
	if prefix == "" {
		prefix = s.defaults.TargetPrefix
	}
	ttl := req.PresignTTLSeconds
	if ttl <= 0 {
		ttl = int64(s.defaults.PresignTTL.Seconds())
	}
	createdAt := s.now().Unix()

	job := jobstore.Job{
		ID:                id,
		Status:            jobstore.StatusPending,
		SourceBucket:      req.SourceBucket,
		TargetBucket:      req.TargetBucket,
		TargetKey:         fmt.Sprintf("%s%s.zip", prefix, id),
		Keys:              req.Keys,
		PresignTTLSeconds: ttl,
		CreatedAt:         createdAt,
		ExpiresAt:         createdAt + ttl,
	}
	if job.TargetBucket == "" {
		job.TargetBucket = req.SourceBucket
	}

	if err := s.jobs.Put(ctx, job); err != nil {
		return Accepted{}, fmt.Errorf("store job: %w", err)
	}
	if err := s.publisher.Publish(ctx, id); err != nil {
		return Accepted{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	s.logger.Infof("Job %s accepted with %d keys from %s", id, len(req.Keys), req.SourceBucket)
	return Accepted{JobID: id, Status: jobstore.StatusPending}, nil
}

// Status returns the job view; the link and target are only shown once the job is READY.
func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{JobID: job.ID, Status: job.Status}
	if job.Status == jobstore.StatusReady {
		view.DownloadURL = job.DownloadURL
		view.TargetBucket = job.Destination()
		view.TargetKey = job.TargetKey
	}
	return view, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.SourceBucket) == "" {
		return fmt.Errorf("%w: sourceBucket is required", ErrInvalidRequest)
	}
	if len(req.Keys) == 0 {
		return fmt.Errorf("%w: keys must not be empty", ErrInvalidRequest)
	}
	for i, key := range req.Keys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: key %d is empty", ErrInvalidRequest, i)
		}
	}
	if req.PresignTTLSeconds < 0 {
		return fmt.Errorf("%w: presignTtlSeconds must not be negative", ErrInvalidRequest)
	}
	if limit := int64(jobstore.MaxPresignTTL.Seconds()); req.PresignTTLSeconds > limit {
		return fmt.Errorf("%w: presignTtlSeconds must not exceed %d", ErrInvalidRequest, limit)
	}
	return nil
}
