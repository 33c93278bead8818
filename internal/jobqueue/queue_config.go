package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunable parameters of the River job queue.
type QueueConfig struct {
	// MaxWorkers bounds concurrent cycle jobs. Each running cycle makes one
	// or two completion calls, so this also caps provider concurrency.
	MaxWorkers int

	// MaxRetries caps retry attempts per cycle job. Cycles are cheap to
	// re-trigger from the next sweep, so a handful of retries is enough.
	MaxRetries int

	// JobTimeout is the maximum wall time of one cycle job. Must exceed the
	// provider call timeout with room for the store work around it.
	JobTimeout time.Duration

	// SweepInterval is how often the periodic sweep job runs.
	SweepInterval time.Duration
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:    10,
		MaxRetries:    4,
		JobTimeout:    5 * time.Minute,
		SweepInterval: 1 * time.Minute,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
