package bundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	"github.com/bitrise-io/zip-bundler/bundle/network/chunkuploader"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dest = network.Location{Bucket: "dst", Key: "zips/job-1.zip"}

func newTestJob(keys ...string) jobstore.Job {
	return jobstore.Job{
		ID:                "job-1",
		Status:            jobstore.StatusPending,
		SourceBucket:      "src",
		TargetBucket:      "dst",
		TargetKey:         "zips/job-1.zip",
		Keys:              keys,
		PresignTTLSeconds: 600,
		CreatedAt:         1700000000,
	}
}

func newTestProcessor(t *testing.T, jobs jobstore.Store, store *fakeObjectStore, tracker *recordingTracker) *Processor {
	t.Helper()
	params := ProcessorParams{
		Jobs:      jobs,
		Objects:   store,
		Uploads:   store,
		Presigner: store,
		Config: ProcessorConfig{
			ReadChunkSize: 4,
			Upload: chunkuploader.Config{
				SegmentSize:     10,
				MaxRetryPerPart: 1,
				AbortTimeout:    time.Second,
			},
		},
		Logger: log.NewLogger(),
	}
	if tracker != nil {
		params.Tracker = tracker
	}
	return NewProcessor(params)
}

func readArchive(t *testing.T, data []byte) map[string]string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	contents := map[string]string{}
	var names []string
	for _, f := range reader.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, zip.Store, f.Method)
		contents[f.Name] = string(body)
		names = append(names, f.Name)
	}
	contents["__order__"] = joinNames(names)
	return contents
}

func joinNames(names []string) string {
	var buf bytes.Buffer
	for i, name := range names {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString(name)
	}
	return buf.String()
}

func TestProcessor_TwoMembers(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob("a/doc1.pdf", "b/doc2.pdf")))
	store := newFakeObjectStore()
	store.put(network.Location{Bucket: "src", Key: "a/doc1.pdf"}, "first document body")
	store.put(network.Location{Bucket: "src", Key: "b/doc2.pdf"}, "second")
	tracker := &recordingTracker{}

	err := newTestProcessor(t, jobs, store, tracker).Process(context.Background(), "job-1")
	require.NoError(t, err)

	data, ok := store.object(dest)
	require.True(t, ok)
	contents := readArchive(t, data)
	assert.Equal(t, "doc1.pdf,doc2.pdf", contents["__order__"])
	assert.Equal(t, "first document body", contents["doc1.pdf"])
	assert.Equal(t, "second", contents["doc2.pdf"])

	for i, number := range store.parts {
		assert.Equal(t, int32(i+1), number)
	}
	assert.Len(t, store.parts, (len(data)+9)/10)
	assert.Zero(t, store.aborts)

	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusReady, job.Status)
	assert.Equal(t, "https://signed.example/dst/zips/job-1.zip?ttl=600", job.DownloadURL)

	require.Equal(t, []string{"zip_job_finished"}, tracker.events)
	assert.Equal(t, "job-1", tracker.properties[0]["job_id"])
	assert.Equal(t, 2, tracker.properties[0]["member_count"])
	assert.Equal(t, int64(len(data)), tracker.properties[0]["archive_size_bytes"])
}

func TestProcessor_EmptyKeyList(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob()))
	store := newFakeObjectStore()

	err := newTestProcessor(t, jobs, store, nil).Process(context.Background(), "job-1")
	require.NoError(t, err)

	data, ok := store.object(dest)
	require.True(t, ok)
	assert.Len(t, data, 22)
	assert.Equal(t, map[string]string{"__order__": ""}, readArchive(t, data))

	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusReady, job.Status)
}

func TestProcessor_SecondMemberFails(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob("a/doc1.pdf", "b/doc2.pdf")))
	store := newFakeObjectStore()
	store.put(network.Location{Bucket: "src", Key: "a/doc1.pdf"}, "first document body")
	store.failOpen["src/b/doc2.pdf"] = errors.New("access denied")

	err := newTestProcessor(t, jobs, store, nil).Process(context.Background(), "job-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, network.ErrSourceUnavailable)
	assert.ErrorContains(t, err, "job job-1")
	assert.Equal(t, 1, store.aborts)
	assert.Zero(t, store.completes)
	assert.Zero(t, store.presigns)
	assert.Empty(t, store.uploads)
	_, ok := store.object(dest)
	assert.False(t, ok)

	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPending, job.Status)
	assert.Empty(t, job.DownloadURL)
}

func TestProcessor_MemberFailsMidStream(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob("a/doc1.pdf", "b/doc2.pdf", "c/doc3.pdf")))
	store := newFakeObjectStore()
	store.put(network.Location{Bucket: "src", Key: "a/doc1.pdf"}, "first document body")
	store.put(network.Location{Bucket: "src", Key: "b/doc2.pdf"}, "second document body that breaks")
	store.put(network.Location{Bucket: "src", Key: "c/doc3.pdf"}, "third")
	store.failAfter["src/b/doc2.pdf"] = 12

	err := newTestProcessor(t, jobs, store, nil).Process(context.Background(), "job-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, network.ErrSourceUnavailable)
	assert.ErrorContains(t, err, "connection reset by peer")
	assert.NotEmpty(t, store.parts)
	assert.Equal(t, 1, store.aborts)
	assert.Zero(t, store.completes)
	assert.Zero(t, store.presigns)
	assert.Empty(t, store.uploads)
	_, ok := store.object(dest)
	assert.False(t, ok)

	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPending, job.Status)
	assert.Empty(t, job.DownloadURL)
}

func TestProcessor_ClampsPresignTTL(t *testing.T) {
	job := newTestJob("a/doc1.pdf")
	job.PresignTTLSeconds = 30 * 24 * 3600
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), job))
	store := newFakeObjectStore()
	store.put(network.Location{Bucket: "src", Key: "a/doc1.pdf"}, "body")

	err := newTestProcessor(t, jobs, store, nil).Process(context.Background(), "job-1")
	require.NoError(t, err)

	stored, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusReady, stored.Status)
	assert.Equal(t, "https://signed.example/dst/zips/job-1.zip?ttl=604800", stored.DownloadURL)
}

func TestProcessor_ReadyJobIsSkipped(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob("a/doc1.pdf")))
	require.NoError(t, jobs.MarkReady(context.Background(), "job-1", "https://old-link"))
	store := newFakeObjectStore()

	err := newTestProcessor(t, jobs, store, nil).Process(context.Background(), "job-1")

	require.NoError(t, err)
	assert.Zero(t, store.remoteCalls())
	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://old-link", job.DownloadURL)
}

func TestProcessor_MissingJobIsSkipped(t *testing.T) {
	store := newFakeObjectStore()

	err := newTestProcessor(t, jobstore.NewMemoryStore(), store, nil).Process(context.Background(), "nope")

	require.NoError(t, err)
	assert.Zero(t, store.remoteCalls())
}

type racingStore struct {
	jobstore.Store
}

func (s racingStore) MarkReady(context.Context, string, string) error {
	return jobstore.ErrAlreadyReady
}

func TestProcessor_LostMarkReadyRace(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob("a/doc1.pdf")))
	store := newFakeObjectStore()
	store.put(network.Location{Bucket: "src", Key: "a/doc1.pdf"}, "body")

	err := newTestProcessor(t, racingStore{Store: jobs}, store, nil).Process(context.Background(), "job-1")

	assert.NoError(t, err)
}

func TestProcessor_CancelledContextAborts(t *testing.T) {
	jobs := jobstore.NewMemoryStore()
	require.NoError(t, jobs.Put(context.Background(), newTestJob("a/doc1.pdf")))
	store := newFakeObjectStore()
	store.put(network.Location{Bucket: "src", Key: "a/doc1.pdf"}, "first document body")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestProcessor(t, jobs, store, nil).Process(ctx, "job-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.uploads)

	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPending, job.Status)
}

func TestModifiedTime(t *testing.T) {
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), modifiedTime(newTestJob()))
}
