package chunkuploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/bitrise-io/zip-bundler/bundle/network"
)

// ErrIncompleteUpload is returned when the accepted parts do not form a gapless 1..N sequence.
var ErrIncompleteUpload = errors.New("incomplete upload")

// ErrSessionClosed ...
var ErrSessionClosed = errors.New("upload session already closed")

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCompleted
	sessionAborted
)

// Session is one multipart upload. It must end in exactly one Finalize or Abort.
type Session struct {
	store    network.MultipartStore
	dest     network.Location
	uploadID string
	maxParts int32
	parts    []network.CompletedPart
	state    sessionState
}

// Open starts a multipart upload at dest.
func Open(ctx context.Context, store network.MultipartStore, dest network.Location, maxParts int32) (*Session, error) {
	if maxParts <= 0 {
		maxParts = manager.MaxUploadParts
	}

	uploadID, err := store.CreateUpload(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: create upload for %s: %w", network.ErrRemoteWrite, dest, err)
	}

	return &Session{
		store:    store,
		dest:     dest,
		uploadID: uploadID,
		maxParts: maxParts,
	}, nil
}

// UploadID ...
func (s *Session) UploadID() string {
	return s.uploadID
}

// Parts returns the accepted parts in submission order.
func (s *Session) Parts() []network.CompletedPart {
	parts := make([]network.CompletedPart, len(s.parts))
	copy(parts, s.parts)
	return parts
}

// Closed reports whether the session was finalized or aborted.
func (s *Session) Closed() bool {
	return s.state != sessionOpen
}

// Submit uploads one segment. Segments must arrive in order, numbered from 1.
// A failed call leaves the session unchanged, so the same segment can be submitted again.
func (s *Session) Submit(ctx context.Context, seg Segment) (network.CompletedPart, error) {
	if s.state != sessionOpen {
		return network.CompletedPart{}, ErrSessionClosed
	}

	expected := int32(len(s.parts)) + 1
	if seg.Number != expected {
		return network.CompletedPart{}, fmt.Errorf("%w: got part %d, expected %d", ErrIncompleteUpload, seg.Number, expected)
	}
	if seg.Number > s.maxParts {
		return network.CompletedPart{}, fmt.Errorf("part %d exceeds the limit of %d parts, increase the segment size", seg.Number, s.maxParts)
	}

	etag, err := s.store.UploadPart(ctx, s.dest, s.uploadID, seg.Number, seg.Data)
	if err != nil {
		return network.CompletedPart{}, fmt.Errorf("%w: upload part %d: %w", network.ErrRemoteWrite, seg.Number, err)
	}

	part := network.CompletedPart{PartNumber: seg.Number, ETag: etag}
	s.parts = append(s.parts, part)
	return part, nil
}

// Finalize completes the upload. The session stays open if completion fails.
func (s *Session) Finalize(ctx context.Context) error {
	if s.state != sessionOpen {
		return ErrSessionClosed
	}
	if err := ValidateParts(s.parts); err != nil {
		return err
	}

	if err := s.store.CompleteUpload(ctx, s.dest, s.uploadID, s.Parts()); err != nil {
		return fmt.Errorf("%w: complete upload %s: %w", network.ErrRemoteWrite, s.uploadID, err)
	}

	s.state = sessionCompleted
	return nil
}

// Abort releases the parts held by the store. Aborting twice is a no-op.
func (s *Session) Abort(ctx context.Context) error {
	switch s.state {
	case sessionAborted:
		return nil
	case sessionCompleted:
		return ErrSessionClosed
	}

	if err := s.store.AbortUpload(ctx, s.dest, s.uploadID); err != nil {
		return fmt.Errorf("%w: abort upload %s: %w", network.ErrRemoteWrite, s.uploadID, err)
	}

	s.state = sessionAborted
	return nil
}

// ValidateParts checks that parts are numbered 1..N without gaps or repeats and carry an ETag.
func ValidateParts(parts []network.CompletedPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts were uploaded", ErrIncompleteUpload)
	}
	for i, part := range parts {
		if part.PartNumber != int32(i+1) {
			return fmt.Errorf("%w: part %d at position %d", ErrIncompleteUpload, part.PartNumber, i+1)
		}
		if part.ETag == "" {
			return fmt.Errorf("%w: part %d has no ETag", ErrIncompleteUpload, part.PartNumber)
		}
	}
	return nil
}
