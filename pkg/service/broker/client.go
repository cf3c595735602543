package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/queue"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

const (
	// DefaultQueue is the durable queue action requests travel through.
	DefaultQueue = "action-requests"
	// DefaultRetries bounds reconnect attempts per operation.
	DefaultRetries = 5
	// DefaultBackoff is the fixed delay between attempts.
	DefaultBackoff = 2 * time.Second
)

// Config parameterizes the AMQP client.
type Config struct {
	URL     types.Secret // amqp:// URL, credentials included
	Queue   string
	Retries int
	Backoff time.Duration
}

func (c *Config) fill() {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
}

// Client owns one durable broker connection. The connection and channel are
// mutated only inside its methods; transient failures reconnect and retry
// the operation itself before surfacing a service error.
type Client struct {
	cfg     Config
	metrics *observability.Registry

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   bool

	dial func(url string) (*amqp.Connection, error)
}

var _ interfaces.Broker = &Client{}

// Option configures a Client.
type Option func(*Client)

// WithMetrics routes reconnect counters to the given registry.
func WithMetrics(r *observability.Registry) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// New creates a Client. Call Initialize before use.
func New(cfg Config, opts ...Option) *Client {
	cfg.fill()
	c := &Client{
		cfg:     cfg,
		metrics: observability.Default,
		dial:    amqp.Dial,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize opens the connection, switches the channel into confirm mode,
// and asserts the durable queue. Exhausting the retry budget is fatal for
// the caller.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.Backoff):
			case <-ctx.Done():
				return goerr.Wrap(ctx.Err(), "broker initialization cancelled")
			}
		}
		if lastErr = c.connectLocked(ctx); lastErr == nil {
			return nil
		}
		logging.From(ctx).Warn("broker connection failed, retrying",
			"attempt", attempt+1, "queue", c.cfg.Queue, "error", lastErr)
	}

	return goerr.Wrap(queue.ErrServiceUnavailable, lastErr.Error(),
		goerr.V("retries", c.cfg.Retries), goerr.V("queue", c.cfg.Queue))
}

// connectLocked (re)establishes connection, confirm channel, and the durable
// queue. Caller holds the mutex.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return goerr.New("broker client is closed")
	}
	c.teardownLocked()

	conn, err := c.dial(c.cfg.URL.Unmask())
	if err != nil {
		return goerr.Wrap(err, "failed to dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return goerr.Wrap(err, "failed to open channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return goerr.Wrap(err, "failed to enable publisher confirms")
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return goerr.Wrap(err, "failed to declare queue", goerr.V("queue", c.cfg.Queue))
	}

	c.conn = conn
	c.ch = ch
	c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (c *Client) teardownLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.confirms = nil
}

// withRetry runs op, re-establishing the connection and retrying the
// operation itself on closed-channel failures. Publishes are serialized
// because the confirm channel pairs one confirmation with one publish.
func (c *Client) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			c.metrics.IncCounter(observability.MetricBrokerReconnect, nil, 1)
			select {
			case <-time.After(c.cfg.Backoff):
			case <-ctx.Done():
				return goerr.Wrap(ctx.Err(), "broker operation cancelled", goerr.V("op", name))
			}
			if err := c.connectLocked(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		if c.ch == nil {
			if err := c.connectLocked(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isClosedErr(lastErr) {
			return lastErr
		}
		logging.From(ctx).Warn("broker channel lost, reconnecting",
			"op", name, "attempt", attempt+1, "error", lastErr)
	}

	return goerr.Wrap(queue.ErrServiceUnavailable, lastErr.Error(),
		goerr.V("retries", c.cfg.Retries), goerr.V("op", name))
}

func isClosedErr(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "channel/connection is not open")
}

// Send publishes a persistent message and waits for the broker's publisher
// confirmation.
func (c *Client) Send(ctx context.Context, body []byte) error {
	return c.withRetry(ctx, "publish", func(ctx context.Context) error {
		if err := c.ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		}); err != nil {
			return err
		}

		select {
		case confirmation := <-c.confirms:
			if !confirmation.Ack {
				return goerr.New("broker rejected publish", goerr.V("queue", c.cfg.Queue))
			}
			return nil
		case <-ctx.Done():
			return goerr.Wrap(ctx.Err(), "publish confirmation timed out")
		}
	})
}

// Ack acknowledges one delivery.
func (c *Client) Ack(ctx context.Context, delivery interfaces.Delivery) error {
	return c.withRetry(ctx, "ack", func(ctx context.Context) error {
		return c.ch.Ack(delivery.Tag, false)
	})
}

// Consume starts delivering queued messages. The feed reconnects on channel
// loss up to the retry budget, then closes.
func (c *Client) Consume(ctx context.Context) (<-chan interfaces.Delivery, error) {
	c.mu.Lock()
	if c.ch == nil {
		if err := c.connectLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, goerr.Wrap(queue.ErrServiceUnavailable, err.Error(),
				goerr.V("op", "consume"))
		}
	}
	raw, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to start consuming", goerr.V("queue", c.cfg.Queue))
	}

	out := make(chan interfaces.Delivery)
	go c.forward(ctx, raw, out)
	return out, nil
}

func (c *Client) forward(ctx context.Context, raw <-chan amqp.Delivery, out chan<- interfaces.Delivery) {
	defer close(out)

	for attempt := 0; attempt < c.cfg.Retries; {
		delivery, ok := <-raw
		if !ok {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			// Channel dropped underneath us: reconnect and resume.
			attempt++
			c.metrics.IncCounter(observability.MetricBrokerReconnect, nil, 1)
			next, err := c.reconsume(ctx)
			if err != nil {
				logging.From(ctx).Error("failed to resume consuming", "error", err)
				return
			}
			raw = next
			continue
		}

		select {
		case out <- interfaces.Delivery{Body: delivery.Body, Tag: delivery.DeliveryTag}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) reconsume(ctx context.Context) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-time.After(c.cfg.Backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the channel then the connection. Calling it without a prior
// successful Initialize is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.teardownLocked()
	return nil
}
