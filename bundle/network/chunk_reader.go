package network

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultReadChunkSize ...
const DefaultReadChunkSize = 1024 * 1024

// ChunkReader pulls one source object in bounded reads.
// The object is opened on the first call to Next.
type ChunkReader struct {
	reader    ObjectReader
	loc       Location
	chunkSize int

	body      io.ReadCloser
	buf       []byte
	bytesRead int64
	done      bool
	err       error
}

// NewChunkReader ...
func NewChunkReader(reader ObjectReader, loc Location, chunkSize int) *ChunkReader {
	if chunkSize <= 0 {
		chunkSize = DefaultReadChunkSize
	}
	return &ChunkReader{
		reader:    reader,
		loc:       loc,
		chunkSize: chunkSize,
	}
}

// Next returns the next chunk of the object, or io.EOF once the object is fully read.
// The returned slice is reused by the following call.
func (r *ChunkReader) Next(ctx context.Context) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(err)
	}

	if r.body == nil {
		body, err := r.reader.OpenObject(ctx, r.loc)
		if err != nil {
			return nil, r.fail(err)
		}
		r.body = body
		r.buf = make([]byte, r.chunkSize)
	}

	n, err := io.ReadFull(r.body, r.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Short final read; the next call observes io.EOF from the body.
	case errors.Is(err, io.EOF):
		r.done = true
		return nil, io.EOF
	default:
		return nil, r.fail(fmt.Errorf("read after %d bytes: %w", r.bytesRead, err))
	}

	r.bytesRead += int64(n)
	return r.buf[:n], nil
}

// BytesRead ...
func (r *ChunkReader) BytesRead() int64 {
	return r.bytesRead
}

// Close releases the object stream, if it was opened.
func (r *ChunkReader) Close() error {
	r.done = true
	if r.body == nil {
		return nil
	}
	body := r.body
	r.body = nil
	return body.Close()
}

// Failures are sticky so a caller can never mistake a broken stream for the end of the object.
func (r *ChunkReader) fail(err error) error {
	r.err = fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, r.loc, err)
	return r.err
}
