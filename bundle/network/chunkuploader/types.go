// Package chunkuploader re-chunks a byte stream into fixed-size segments and uploads them
// as the parts of a single multipart upload, aborting the upload on any failure.
package chunkuploader

import (
	"context"

	"github.com/bitrise-io/zip-bundler/bundle/network"
)

// ByteSource is a pull-based byte stream. Next returns io.EOF at the end.
type ByteSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Segment is one part of the upload.
type Segment struct {
	// Number is 1-based.
	Number int32
	Data   []byte
}

// UploadResult represents the result of a finalized upload.
type UploadResult struct {
	Parts        []network.CompletedPart
	Size         int64
	PeakBuffered int
}
