package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrSourceUnavailable is returned when a source object is missing or its read stream breaks.
var ErrSourceUnavailable = errors.New("source object unavailable")

// ErrRemoteWrite is returned when a create, part, complete or abort call against the destination store fails.
var ErrRemoteWrite = errors.New("remote write failed")

// Location addresses one object in a bucket.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s", l.Bucket, l.Key)
}

// CompletedPart is an accepted part of a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// ObjectReader ...
type ObjectReader interface {
	OpenObject(ctx context.Context, loc Location) (io.ReadCloser, error)
}

// MultipartStore ...
type MultipartStore interface {
	CreateUpload(ctx context.Context, dest Location) (string, error)
	UploadPart(ctx context.Context, dest Location, uploadID string, partNumber int32, data []byte) (string, error)
	CompleteUpload(ctx context.Context, dest Location, uploadID string, parts []CompletedPart) error
	// AbortUpload must succeed when the upload no longer exists.
	AbortUpload(ctx context.Context, dest Location, uploadID string) error
}

// Presigner issues time-limited GET links.
type Presigner interface {
	PresignGet(ctx context.Context, loc Location, ttl time.Duration) (string, error)
}

// ObjectStore is everything the bundler needs from a storage backend.
type ObjectStore interface {
	ObjectReader
	MultipartStore
	Presigner
}
