// Package analytics builds the trackers the worker reports finished jobs with.
package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates a tracker carrying the given base properties.
type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	WorkerIDEnvKey = "ZIP_WORKER_ID"
	WorkerID       = "worker_id"
	ServiceName    = "service"
	serviceValue   = "zip-bundler"
)

// NewWorkerTracker returns a tracker tagged with the service name and, when set, the worker id.
func NewWorkerTracker(repository env.Repository, trackerFactory TrackerFactory) analytics.Tracker {
	properties := analytics.Properties{ServiceName: serviceValue}
	if workerID := repository.Get(WorkerIDEnvKey); workerID != "" {
		properties[WorkerID] = workerID
	}
	return trackerFactory(properties)
}

// NewFactory returns the go-utils backed factory, or one producing noop trackers when disabled.
func NewFactory(enabled bool, logger log.Logger) TrackerFactory {
	if !enabled {
		return func(...analytics.Properties) analytics.Tracker { return noopTracker{} }
	}
	return func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	}
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}

func (noopTracker) Wait() {}
