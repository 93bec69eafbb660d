package chunkuploader

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
)

// DefaultSegmentSize ...
const DefaultSegmentSize = 8 * 1024 * 1024

// Config holds configuration for the part uploader.
type Config struct {
	// SegmentSize is the size of every uploaded part except the last one.
	// Default: 8 MiB
	SegmentSize int

	// MaxRetryPerPart is the maximum number of attempts per part.
	// Default: 3
	MaxRetryPerPart int

	// RetryWait is the pause between two attempts of the same part.
	// Default: 2 seconds
	RetryWait time.Duration

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average part upload time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration

	// AbortTimeout bounds the cleanup call issued when an upload fails.
	// Default: 30 seconds
	AbortTimeout time.Duration

	// MaxParts caps the number of parts of one upload.
	// Default: 10000
	MaxParts int32
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SegmentSize:     DefaultSegmentSize,
		MaxRetryPerPart: 3,
		RetryWait:       2 * time.Second,
		HungThreshold:   30 * time.Second,
		AbortTimeout:    30 * time.Second,
		MaxParts:        manager.MaxUploadParts,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SegmentSize <= 0 {
		c.SegmentSize = d.SegmentSize
	}
	if c.MaxRetryPerPart <= 0 {
		c.MaxRetryPerPart = d.MaxRetryPerPart
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = d.AbortTimeout
	}
	if c.MaxParts <= 0 {
		c.MaxParts = d.MaxParts
	}
	return c
}
