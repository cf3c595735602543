package config

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/service/broker"
)

// Broker holds CLI flags for the message broker connection
type Broker struct {
	url     string
	queue   string
	retries int
	backoff time.Duration
}

// Flags returns CLI flags for broker configuration
func (b *Broker) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "broker-url",
			Usage:       "AMQP broker URL (empty runs the store-polling worker instead)",
			Sources:     cli.EnvVars("DECKFLOW_BROKER_URL"),
			Destination: &b.url,
		},
		&cli.StringFlag{
			Name:        "broker-queue",
			Usage:       "Queue name for action requests",
			Value:       broker.DefaultQueue,
			Sources:     cli.EnvVars("DECKFLOW_BROKER_QUEUE"),
			Destination: &b.queue,
		},
		&cli.IntFlag{
			Name:        "broker-retries",
			Usage:       "Connection attempts before giving up",
			Value:       broker.DefaultRetries,
			Sources:     cli.EnvVars("DECKFLOW_BROKER_RETRIES"),
			Destination: &b.retries,
		},
		&cli.DurationFlag{
			Name:        "broker-backoff",
			Usage:       "Delay between connection attempts",
			Value:       broker.DefaultBackoff,
			Sources:     cli.EnvVars("DECKFLOW_BROKER_BACKOFF"),
			Destination: &b.backoff,
		},
	}
}

// Configured reports whether a broker URL was given.
func (b *Broker) Configured() bool {
	return b.url != ""
}

// Configure builds the broker client. The connection is established by the
// caller through Initialize.
func (b *Broker) Configure() *broker.Client {
	return broker.New(broker.Config{
		URL:     types.Secret(b.url),
		Queue:   b.queue,
		Retries: b.retries,
		Backoff: b.backoff,
	})
}
