package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Segmenter cuts a byte stream into segments of exactly size bytes; only the last one may be shorter.
// Segment boundaries are pure byte offsets and ignore any framing inside the stream.
type Segmenter struct {
	src  ByteSource
	size int

	buf   []byte
	next  int32
	total int64
	peak  int
	eof   bool
	err   error
}

// NewSegmenter ...
func NewSegmenter(src ByteSource, size int) *Segmenter {
	if size <= 0 {
		size = DefaultSegmentSize
	}
	return &Segmenter{
		src:  src,
		size: size,
		buf:  make([]byte, 0, size),
		next: 1,
	}
}

// Next returns the next segment, or io.EOF when the stream is exhausted.
// A stream that ends on a segment boundary produces no empty trailing segment.
func (s *Segmenter) Next(ctx context.Context) (Segment, error) {
	if s.err != nil {
		return Segment{}, s.err
	}

	for !s.eof && len(s.buf) < s.size {
		chunk, err := s.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.eof = true
			break
		}
		if err != nil {
			s.err = fmt.Errorf("read segment %d: %w", s.next, err)
			return Segment{}, s.err
		}

		s.buf = append(s.buf, chunk...)
		s.total += int64(len(chunk))
		if len(s.buf) > s.peak {
			s.peak = len(s.buf)
		}
	}

	if len(s.buf) == 0 {
		return Segment{}, io.EOF
	}

	n := len(s.buf)
	if n > s.size {
		n = s.size
	}

	data := make([]byte, n)
	copy(data, s.buf[:n])
	// Keep the remainder at the front so the buffer never grows past size + one chunk.
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]

	seg := Segment{Number: s.next, Data: data}
	s.next++
	return seg, nil
}

// Total returns the number of stream bytes consumed so far.
func (s *Segmenter) Total() int64 {
	return s.total
}

// PeakBuffered returns the largest number of bytes held at once.
func (s *Segmenter) PeakBuffered() int {
	return s.peak
}
