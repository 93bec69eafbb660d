package bundle

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/zip-bundler/bundle/network/chunkuploader"
	"github.com/bitrise-io/zip-bundler/jobstore"
)

type jobTracker struct {
	tracker analytics.Tracker
}

func newJobTracker(tracker analytics.Tracker) jobTracker {
	return jobTracker{tracker: tracker}
}

func (t jobTracker) logJobFinished(job jobstore.Job, took time.Duration, result *chunkuploader.UploadResult, stats *chunkuploader.Stats) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"job_id":             job.ID,
		"member_count":       len(job.Keys),
		"target_bucket":      job.Destination(),
		"archive_size_bytes": result.Size,
		"part_count":         len(result.Parts),
		"part_retry_count":   stats.RetryCount(),
		"duration_s":         took.Truncate(time.Second).Seconds(),
	}
	t.tracker.Enqueue("zip_job_finished", properties)
}
