package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks part upload timings for hung detection and reporting.
type Stats struct {
	sum           time.Duration
	finishedParts int64
	bytes         int64
	retries       int64
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful part upload.
func (s *Stats) Update(d time.Duration, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedParts++
	s.bytes += int64(size)
}

// Retried records a failed attempt that is going to be repeated.
func (s *Stats) Retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average upload duration of completed parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of completed part uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// UploadedBytes ...
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// RetryCount ...
func (s *Stats) RetryCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// TotalDuration returns the sum of all part upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
