package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bitrise-io/zip-bundler/bundle/network"
)

type fakeUpload struct {
	dest  network.Location
	parts map[int32][]byte
}

type fakeMultipartStore struct {
	mu        sync.Mutex
	nextID    int
	uploads   map[string]*fakeUpload
	objects   map[string][]byte
	created   int
	completed int
	aborted   int
	partCalls int

	// failPart returns an error for the given attempt of a part, counted across calls.
	failPart     func(partNumber int32, attempt int) error
	partAttempts map[int32]int
	failComplete error
	failCreate   error
}

func newFakeMultipartStore() *fakeMultipartStore {
	return &fakeMultipartStore{
		uploads:      map[string]*fakeUpload{},
		objects:      map[string][]byte{},
		partAttempts: map[int32]int{},
	}
}

func (s *fakeMultipartStore) CreateUpload(_ context.Context, dest network.Location) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return "", s.failCreate
	}
	s.nextID++
	s.created++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &fakeUpload{dest: dest, parts: map[int32][]byte{}}
	return id, nil
}

func (s *fakeMultipartStore) UploadPart(ctx context.Context, _ network.Location, uploadID string, partNumber int32, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partCalls++
	s.partAttempts[partNumber]++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.failPart != nil {
		if err := s.failPart(partNumber, s.partAttempts[partNumber]); err != nil {
			return "", err
		}
	}
	upload, ok := s.uploads[uploadID]
	if !ok {
		return "", errors.New("no such upload")
	}
	upload.parts[partNumber] = append([]byte(nil), data...)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (s *fakeMultipartStore) CompleteUpload(_ context.Context, dest network.Location, uploadID string, parts []network.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failComplete != nil {
		return s.failComplete
	}
	upload, ok := s.uploads[uploadID]
	if !ok {
		return errors.New("no such upload")
	}
	var buf bytes.Buffer
	for _, part := range parts {
		data, ok := upload.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("part %d missing", part.PartNumber)
		}
		buf.Write(data)
	}
	s.objects[dest.String()] = buf.Bytes()
	delete(s.uploads, uploadID)
	s.completed++
	return nil
}

func (s *fakeMultipartStore) AbortUpload(_ context.Context, _ network.Location, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	s.aborted++
	return nil
}

func (s *fakeMultipartStore) openUploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// chunkSource replays data in fixed-size chunks and can fail or panic at a given offset.
type chunkSource struct {
	data      []byte
	chunkSize int
	offset    int
	failAt    int
	failErr   error
	panicAt   int
}

func newChunkSource(data []byte, chunkSize int) *chunkSource {
	return &chunkSource{data: data, chunkSize: chunkSize, failAt: -1, panicAt: -1}
}

func (s *chunkSource) Next(context.Context) ([]byte, error) {
	if s.panicAt >= 0 && s.offset >= s.panicAt {
		panic("source exploded")
	}
	if s.failAt >= 0 && s.offset >= s.failAt {
		return nil, s.failErr
	}
	if s.offset >= len(s.data) {
		return nil, io.EOF
	}
	end := s.offset + s.chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
