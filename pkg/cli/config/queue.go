package config

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/deckflow-lab/deckflow/pkg/queue"
)

// Queue holds CLI flags for the action request consumer and the Wait
// protocol.
type Queue struct {
	concurrency  int
	waitPoll     time.Duration
	startRetries int
	startDelay   time.Duration
}

// Flags returns CLI flags for queue configuration
func (q *Queue) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "queue-concurrency",
			Usage:       "Action requests handled in parallel",
			Value:       queue.DefaultConcurrency,
			Sources:     cli.EnvVars("DECKFLOW_QUEUE_CONCURRENCY"),
			Destination: &q.concurrency,
		},
		&cli.DurationFlag{
			Name:        "queue-wait-poll",
			Usage:       "Re-poll interval while waiting for execution events",
			Value:       queue.DefaultWaitPollInterval,
			Sources:     cli.EnvVars("DECKFLOW_QUEUE_WAIT_POLL"),
			Destination: &q.waitPoll,
		},
		&cli.IntFlag{
			Name:        "queue-start-retries",
			Usage:       "Broker consume attempts before the consumer gives up",
			Value:       queue.DefaultStartRetries,
			Sources:     cli.EnvVars("DECKFLOW_QUEUE_START_RETRIES"),
			Destination: &q.startRetries,
		},
		&cli.DurationFlag{
			Name:        "queue-start-delay",
			Usage:       "Delay between consume attempts",
			Value:       queue.DefaultStartDelay,
			Sources:     cli.EnvVars("DECKFLOW_QUEUE_START_DELAY"),
			Destination: &q.startDelay,
		},
	}
}

// Concurrency returns the configured handler parallelism.
func (q *Queue) Concurrency() int {
	return q.concurrency
}

// EventStoreOptions returns the options for the execution event store.
func (q *Queue) EventStoreOptions() []queue.EventStoreOption {
	return []queue.EventStoreOption{
		queue.WithWaitPollInterval(q.waitPoll),
	}
}

// ConsumerOptions returns the options for the queue consumer.
func (q *Queue) ConsumerOptions() []queue.ConsumerOption {
	return []queue.ConsumerOption{
		queue.WithConcurrency(q.concurrency),
		queue.WithStartRetries(q.startRetries, q.startDelay),
	}
}
