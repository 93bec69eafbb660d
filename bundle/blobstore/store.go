// Package blobstore implements the bundler's storage backend on top of gocloud.dev/blob,
// so the worker can run against any bucket gocloud can open (S3, GCS, Azure, local files).
// Multipart uploads are emulated with one object per part below a staging prefix.
package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Register the bucket URL schemes usable in a template.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

const (
	markerName  = "upload.json"
	etagKey     = "etag"
	contentType = "application/zip"
)

// ErrNoSuchUpload ...
var ErrNoSuchUpload = errors.New("no such upload")

// BucketOpener opens the bucket with the given name.
type BucketOpener func(ctx context.Context, bucket string) (*blob.Bucket, error)

// URLOpener opens buckets by substituting the name into a gocloud URL template, e.g. "file:///srv/{bucket}".
func URLOpener(template string) BucketOpener {
	return func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, strings.ReplaceAll(template, "{bucket}", bucket))
	}
}

type uploadMarker struct {
	Key       string `json:"key"`
	CreatedAt int64  `json:"createdAt"`
}

// Store ...
type Store struct {
	open   BucketOpener
	logger log.Logger

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewStore ...
func NewStore(open BucketOpener, logger log.Logger) *Store {
	return &Store{
		open:    open,
		logger:  logger,
		buckets: map[string]*blob.Bucket{},
	}
}

// Close closes every bucket opened so far.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, bucket := range s.buckets {
		if err := bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
		delete(s.buckets, name)
	}
	return errors.Join(errs...)
}

func (s *Store) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.buckets[name]; ok {
		return bucket, nil
	}
	bucket, err := s.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	s.buckets[name] = bucket
	return bucket, nil
}

// OpenObject ...
func (s *Store) OpenObject(ctx context.Context, loc network.Location) (io.ReadCloser, error) {
	bucket, err := s.bucket(ctx, loc.Bucket)
	if err != nil {
		return nil, err
	}
	reader, err := bucket.NewReader(ctx, loc.Key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("object %s does not exist: %w", loc, err)
		}
		return nil, fmt.Errorf("get object %s: %w", loc, err)
	}
	return reader, nil
}

// CreateUpload writes the marker of a new staging area next to the destination key.
func (s *Store) CreateUpload(ctx context.Context, dest network.Location) (string, error) {
	bucket, err := s.bucket(ctx, dest.Bucket)
	if err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	marker, err := json.Marshal(uploadMarker{Key: dest.Key, CreatedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	if err := bucket.WriteAll(ctx, markerKey(dest.Key, uploadID), marker, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("write upload marker: %w", err)
	}
	return uploadID, nil
}

// UploadPart stores one part; uploading the same part number again replaces it.
func (s *Store) UploadPart(ctx context.Context, dest network.Location, uploadID string, partNumber int32, data []byte) (string, error) {
	bucket, err := s.bucket(ctx, dest.Bucket)
	if err != nil {
		return "", err
	}
	if err := checkUpload(ctx, bucket, dest.Key, uploadID); err != nil {
		return "", err
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	opts := &blob.WriterOptions{
		ContentMD5: sum[:],
		Metadata:   map[string]string{etagKey: etag},
	}
	if err := bucket.WriteAll(ctx, partKey(dest.Key, uploadID, partNumber), data, opts); err != nil {
		return "", fmt.Errorf("write part %d: %w", partNumber, err)
	}
	return etag, nil
}

// CompleteUpload concatenates the parts into the destination object and removes the staging area.
// The destination is only created when every part could be copied.
func (s *Store) CompleteUpload(ctx context.Context, dest network.Location, uploadID string, parts []network.CompletedPart) error {
	bucket, err := s.bucket(ctx, dest.Bucket)
	if err != nil {
		return err
	}
	if err := checkUpload(ctx, bucket, dest.Key, uploadID); err != nil {
		return err
	}

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer, err := bucket.NewWriter(writeCtx, dest.Key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}
	for _, part := range parts {
		if err := copyPart(ctx, bucket, writer, partKey(dest.Key, uploadID, part.PartNumber), part); err != nil {
			// Cancelling before Close discards everything written so far.
			cancel()
			_ = writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}

	if err := deletePrefix(ctx, bucket, uploadPrefix(dest.Key, uploadID)); err != nil {
		s.logger.Warnf("Failed to clean up upload %s: %s", uploadID, err)
	}
	return nil
}

// AbortUpload removes the staging area; a missing one is not an error.
func (s *Store) AbortUpload(ctx context.Context, dest network.Location, uploadID string) error {
	bucket, err := s.bucket(ctx, dest.Bucket)
	if err != nil {
		return err
	}
	return deletePrefix(ctx, bucket, uploadPrefix(dest.Key, uploadID))
}

// PresignGet ...
func (s *Store) PresignGet(ctx context.Context, loc network.Location, ttl time.Duration) (string, error) {
	bucket, err := s.bucket(ctx, loc.Bucket)
	if err != nil {
		return "", err
	}
	url, err := bucket.SignedURL(ctx, loc.Key, &blob.SignedURLOptions{
		Expiry: ttl,
		Method: http.MethodGet,
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", loc, err)
	}
	return url, nil
}

func copyPart(ctx context.Context, bucket *blob.Bucket, w io.Writer, key string, part network.CompletedPart) error {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return fmt.Errorf("part %d: %w", part.PartNumber, err)
	}
	if etag := attrs.Metadata[etagKey]; etag != part.ETag {
		return fmt.Errorf("part %d: etag mismatch (have %s, want %s)", part.PartNumber, etag, part.ETag)
	}

	reader, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("part %d: %w", part.PartNumber, err)
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		return fmt.Errorf("copy part %d: %w", part.PartNumber, err)
	}
	return nil
}

func checkUpload(ctx context.Context, bucket *blob.Bucket, key, uploadID string) error {
	exists, err := bucket.Exists(ctx, markerKey(key, uploadID))
	if err != nil {
		return fmt.Errorf("check upload %s: %w", uploadID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
	}
	return nil
}

func deletePrefix(ctx context.Context, bucket *blob.Bucket, prefix string) error {
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
}

func uploadPrefix(key, uploadID string) string {
	return fmt.Sprintf("%s.uploads/%s/", key, uploadID)
}

func markerKey(key, uploadID string) string {
	return uploadPrefix(key, uploadID) + markerName
}

func partKey(key, uploadID string, partNumber int32) string {
	return fmt.Sprintf("%spart-%05d", uploadPrefix(key, uploadID), partNumber)
}
