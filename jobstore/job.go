// Package jobstore persists bundling jobs and their PENDING to READY transition.
package jobstore

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound ...
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned by Put when a job with the same id is already stored.
var ErrJobExists = errors.New("job already exists")

// ErrAlreadyReady is returned by MarkReady when the job left the PENDING state before the update.
var ErrAlreadyReady = errors.New("job is already ready")

// Status ...
type Status string

const (
	// StatusPending is the initial state; a failed attempt leaves the job here.
	StatusPending Status = "PENDING"
	// StatusReady is terminal.
	StatusReady Status = "READY"
)

const (
	// DefaultPresignTTL ...
	DefaultPresignTTL = 24 * time.Hour
	// MaxPresignTTL is the longest lifetime a SigV4 presigned URL may have.
	MaxPresignTTL = 7 * 24 * time.Hour
)

// Job is one request to bundle a list of objects into a single archive.
type Job struct {
	ID                string   `dynamodbav:"jobId" json:"jobId"`
	Status            Status   `dynamodbav:"status" json:"status"`
	SourceBucket      string   `dynamodbav:"sourceBucket" json:"sourceBucket"`
	TargetBucket      string   `dynamodbav:"targetBucket,omitempty" json:"targetBucket,omitempty"`
	TargetKey         string   `dynamodbav:"targetKey" json:"targetKey"`
	Keys              []string `dynamodbav:"keys" json:"keys"`
	PresignTTLSeconds int64    `dynamodbav:"presignTtlSeconds" json:"presignTtlSeconds"`
	CreatedAt         int64    `dynamodbav:"createdAt" json:"createdAt"`
	ExpiresAt         int64    `dynamodbav:"expiresAt" json:"expiresAt"`
	DownloadURL       string   `dynamodbav:"downloadUrl,omitempty" json:"downloadUrl,omitempty"`
}

// Destination returns the target bucket, falling back to the source bucket.
func (j Job) Destination() string {
	if j.TargetBucket == "" {
		return j.SourceBucket
	}
	return j.TargetBucket
}

// PresignTTL returns the link lifetime, or fallback when the job does not carry one.
func (j Job) PresignTTL(fallback time.Duration) time.Duration {
	if j.PresignTTLSeconds <= 0 {
		return fallback
	}
	return time.Duration(j.PresignTTLSeconds) * time.Second
}

// Store ...
type Store interface {
	// Get returns ErrJobNotFound when the job does not exist.
	Get(ctx context.Context, id string) (*Job, error)
	// Put stores a new job and returns ErrJobExists when the id is taken.
	Put(ctx context.Context, job Job) error
	// MarkReady sets the status to READY together with the download link, only if the job is PENDING.
	MarkReady(ctx context.Context, id, downloadURL string) error
}

// HealthChecker is implemented by stores that can report readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
