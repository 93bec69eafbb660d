package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	"github.com/docker/go-units"
)

// Uploader streams a byte source into a multipart upload, one part at a time, with retry and hung detection.
type Uploader struct {
	config Config
	store  network.MultipartStore
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, store network.MultipartStore, logger log.Logger) *Uploader {
	return &Uploader{
		config: config.withDefaults(),
		store:  store,
		logger: logger,
		stats:  NewStats(),
	}
}

// Upload opens a session at dest and uploads src into it.
// The session is aborted on every path that does not finalize it, including panics.
func (u *Uploader) Upload(ctx context.Context, dest network.Location, src ByteSource) (*UploadResult, error) {
	session, err := Open(ctx, u.store, dest, u.config.MaxParts)
	if err != nil {
		return nil, err
	}
	u.logger.Debugf("Upload session %s opened for %s", session.UploadID(), dest)

	defer func() {
		if session.Closed() {
			return
		}
		u.abort(ctx, session)
	}()

	segmenter := NewSegmenter(src, u.config.SegmentSize)
	for {
		seg, err := segmenter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if err := u.submitWithRetry(ctx, session, seg); err != nil {
			return nil, err
		}
	}

	if err := session.Finalize(ctx); err != nil {
		return nil, err
	}

	u.logger.Debugf("Upload session %s completed with %d parts (%s), peak buffer %s",
		session.UploadID(), len(session.Parts()),
		units.HumanSizeWithPrecision(float64(segmenter.Total()), 3),
		units.HumanSizeWithPrecision(float64(segmenter.PeakBuffered()), 3))

	return &UploadResult{
		Parts:        session.Parts(),
		Size:         segmenter.Total(),
		PeakBuffered: segmenter.PeakBuffered(),
	}, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) abort(ctx context.Context, session *Session) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.config.AbortTimeout)
	defer cancel()

	u.logger.Warnf("Aborting upload session %s", session.UploadID())
	if err := session.Abort(abortCtx); err != nil {
		u.logger.Errorf("Failed to abort upload session %s: %s", session.UploadID(), err)
	}
}

func (u *Uploader) submitWithRetry(ctx context.Context, session *Session, seg Segment) error {
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerPart; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("part %d upload cancelled: %w", seg.Number, err)
		}

		u.logger.Debugf("Uploading part %d (%s, attempt %d/%d) [finished=%d] [avg=%v]",
			seg.Number, units.HumanSizeWithPrecision(float64(len(seg.Data)), 3),
			attempt+1, u.config.MaxRetryPerPart,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)

		// Hung detection is skipped on the last attempt.
		if attempt < u.config.MaxRetryPerPart-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(partCtx, cancelPart, start, seg.Number)
		}

		var part network.CompletedPart
		part, uploadErr = session.Submit(partCtx, seg)
		cancelPart()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, len(seg.Data))
			u.logger.Debugf("Part %d uploaded in %v, ETag: %s", part.PartNumber, took.Round(time.Millisecond), part.ETag)
			return nil
		}

		if errors.Is(uploadErr, ErrIncompleteUpload) || errors.Is(uploadErr, ErrSessionClosed) {
			return uploadErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("part %d upload cancelled: %w", seg.Number, err)
		}

		u.logger.Warnf("Part %d attempt %d failed: %s", seg.Number, attempt+1, uploadErr)
		if attempt < u.config.MaxRetryPerPart-1 {
			u.stats.Retried()
			if err := sleep(ctx, u.config.RetryWait); err != nil {
				return fmt.Errorf("part %d upload cancelled: %w", seg.Number, err)
			}
		}
	}

	return fmt.Errorf("part %d failed after %d attempts: %w", seg.Number, u.config.MaxRetryPerPart, uploadErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, partNumber int32) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						partNumber, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
