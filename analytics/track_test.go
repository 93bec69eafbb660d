package analytics

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockTrackerFactory struct {
	mock.Mock
}

func (m *mockTrackerFactory) Execute(properties ...analytics.Properties) analytics.Tracker {
	args := m.Called(properties[0])
	tracker, _ := args.Get(0).(analytics.Tracker)
	return tracker
}

type mapRepository map[string]string

func (r mapRepository) Get(key string) string { return r[key] }

func (r mapRepository) Set(key, value string) error {
	r[key] = value
	return nil
}

func (r mapRepository) Unset(key string) error {
	delete(r, key)
	return nil
}

func (r mapRepository) List() []string { return nil }

var _ env.Repository = mapRepository{}

func TestNewWorkerTrackerAddsWorkerID(t *testing.T) {
	factory := new(mockTrackerFactory)
	factory.On("Execute", analytics.Properties{"service": "zip-bundler", "worker_id": "w-1"}).Return(nil)

	NewWorkerTracker(mapRepository{WorkerIDEnvKey: "w-1"}, factory.Execute)

	factory.AssertExpectations(t)
}

func TestNewWorkerTrackerWithoutWorkerID(t *testing.T) {
	factory := new(mockTrackerFactory)
	factory.On("Execute", analytics.Properties{"service": "zip-bundler"}).Return(nil)

	NewWorkerTracker(mapRepository{}, factory.Execute)

	factory.AssertExpectations(t)
}

func TestNewFactoryDisabled(t *testing.T) {
	tracker := NewFactory(false, log.NewLogger())(analytics.Properties{"job_id": "1"})

	assert.Equal(t, noopTracker{}, tracker)
	assert.NotPanics(t, func() {
		tracker.Enqueue("zip_job_finished", analytics.Properties{"size": 1})
		tracker.Wait()
	})
}
