package jobstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]Job{}}
}

// Get ...
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

// Put ...
func (s *MemoryStore) Put(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = *cloneJob(job)
	return nil
}

// MarkReady ...
func (s *MemoryStore) MarkReady(_ context.Context, id, downloadURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: %s", ErrAlreadyReady, id)
	}

	job.Status = StatusReady
	job.DownloadURL = downloadURL
	s.jobs[id] = job
	return nil
}

// Ping ...
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneJob(job Job) *Job {
	job.Keys = append([]string(nil), job.Keys...)
	return &job
}
