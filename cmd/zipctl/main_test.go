package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitKeys(t *testing.T) {
	assert.Equal(t, []string{"a/doc1.pdf", "b/doc2.pdf"}, splitKeys("a/doc1.pdf, b/doc2.pdf,,"))
	assert.Nil(t, splitKeys(" , "))
}

func TestRun_Usage(t *testing.T) {
	assert.Equal(t, exitInvalidArgs, run(nil))
	assert.Equal(t, exitInvalidArgs, run([]string{"explode"}))
	assert.Equal(t, exitSuccess, run([]string{"help"}))
	assert.Equal(t, exitInvalidArgs, run([]string{"submit", "-bucket", "src"}))
	assert.Equal(t, exitInvalidArgs, run([]string{"status"}))
}

func TestRun_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/job-1":
			_, _ = w.Write([]byte(`{"jobId":"job-1","status":"PENDING"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	defer server.Close()

	assert.Equal(t, exitSuccess, run([]string{"status", "-api", server.URL, "job-1"}))
	assert.Equal(t, exitError, run([]string{"status", "-api", server.URL, "job-2"}))
	assert.Equal(t, exitPending, run([]string{"download", "-api", server.URL, "-o", t.TempDir() + "/out.zip", "job-1"}))
	assert.Equal(t, exitPending, run([]string{"wait", "-api", server.URL, "-attempts", "2", "-interval", "1ms", "job-1"}))
}
