package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/zip-bundler/bundle/network"
)

// fakeObjectStore keeps objects and multipart uploads in memory and counts every remote call.
type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]map[int32][]byte
	nextID   int
	failOpen map[string]error
	// failAfter makes reads of an object fail once this many bytes were returned.
	failAfter map[string]int

	opens     int
	creates   int
	parts     []int32
	completes int
	aborts    int
	presigns  int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:  map[string][]byte{},
		uploads:  map[string]map[int32][]byte{},
		failOpen:  map[string]error{},
		failAfter: map[string]int{},
	}
}

func (s *fakeObjectStore) put(loc network.Location, data string) {
	s.objects[loc.String()] = []byte(data)
}

func (s *fakeObjectStore) object(loc network.Location) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[loc.String()]
	return data, ok
}

func (s *fakeObjectStore) remoteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens + s.creates + len(s.parts) + s.completes + s.aborts + s.presigns
}

func (s *fakeObjectStore) OpenObject(_ context.Context, loc network.Location) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if err, ok := s.failOpen[loc.String()]; ok {
		return nil, err
	}
	data, ok := s.objects[loc.String()]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	if n, ok := s.failAfter[loc.String()]; ok {
		return io.NopCloser(io.MultiReader(bytes.NewReader(data[:n]), failingReader{err: errors.New("connection reset by peer")})), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type failingReader struct {
	err error
}

func (r failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

func (s *fakeObjectStore) CreateUpload(context.Context, network.Location) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = map[int32][]byte{}
	return id, nil
}

func (s *fakeObjectStore) UploadPart(_ context.Context, _ network.Location, uploadID string, partNumber int32, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, partNumber)
	upload, ok := s.uploads[uploadID]
	if !ok {
		return "", errors.New("NoSuchUpload")
	}
	upload[partNumber] = append([]byte(nil), data...)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (s *fakeObjectStore) CompleteUpload(_ context.Context, dest network.Location, uploadID string, parts []network.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes++
	upload, ok := s.uploads[uploadID]
	if !ok {
		return errors.New("NoSuchUpload")
	}
	var buf bytes.Buffer
	for _, part := range parts {
		buf.Write(upload[part.PartNumber])
	}
	s.objects[dest.String()] = buf.Bytes()
	delete(s.uploads, uploadID)
	return nil
}

func (s *fakeObjectStore) AbortUpload(_ context.Context, _ network.Location, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	delete(s.uploads, uploadID)
	return nil
}

func (s *fakeObjectStore) PresignGet(_ context.Context, loc network.Location, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presigns++
	return fmt.Sprintf("https://signed.example/%s?ttl=%d", loc, int(ttl.Seconds())), nil
}

type recordingTracker struct {
	events     []string
	properties []analytics.Properties
}

func (t *recordingTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.events = append(t.events, eventName)
	t.properties = append(t.properties, properties...)
}

func (t *recordingTracker) Wait() {}
