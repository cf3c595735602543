package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/semaphore"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/repository"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

// Handler processes one dequeued action request. Delivery is at-least-once:
// a handler may see the same request again after a crash and must be
// idempotent or detect-and-skip.
type Handler func(ctx context.Context, request *model.ActionRequest) error

const (
	// DefaultConcurrency is the worker pool size.
	DefaultConcurrency = 5
	// DefaultStartRetries bounds transient consume start-up failures.
	DefaultStartRetries = 5
	// DefaultStartDelay is the fixed delay between start-up retries.
	DefaultStartDelay = 2 * time.Second
)

// Consumer pulls action requests off the broker, runs the handler through a
// bounded worker pool, and records outcomes as execution events.
type Consumer struct {
	store   interfaces.CardStore
	events  *EventStore
	broker  interfaces.Broker
	session types.SessionID
	metrics *observability.Registry

	concurrency  int64
	startRetries int
	startDelay   time.Duration

	sem      *semaphore.Weighted
	inFlight sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = int64(n)
		}
	}
}

// WithMetrics routes job counters to the given registry.
func WithMetrics(r *observability.Registry) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = r
	}
}

// WithStartRetries bounds consume start-up retries.
func WithStartRetries(n int, delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.startRetries = n
		}
		if delay > 0 {
			c.startDelay = delay
		}
	}
}

// NewConsumer wires a Consumer using the privileged session for ledger
// writes.
func NewConsumer(store interfaces.CardStore, events *EventStore, broker interfaces.Broker, session types.SessionID, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		store:        store,
		events:       events,
		broker:       broker,
		session:      session,
		metrics:      observability.Default,
		concurrency:  DefaultConcurrency,
		startRetries: DefaultStartRetries,
		startDelay:   DefaultStartDelay,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sem = semaphore.NewWeighted(c.concurrency)
	return c
}

// InitializeWithEventHandler ensures the system type cards exist and starts
// the worker pool bound to the handler.
func (c *Consumer) InitializeWithEventHandler(ctx context.Context, handler Handler) error {
	if err := c.ensureSystemCards(ctx); err != nil {
		return err
	}
	return c.Run(ctx, handler)
}

func (c *Consumer) ensureSystemCards(ctx context.Context) error {
	for _, name := range []types.Slug{"action-request", "execution", "session", "link"} {
		_, err := c.store.GetCardBySlug(ctx, c.session, types.VersionedSlug{
			Slug: name, Version: types.DefaultVersion,
		})
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return goerr.Wrap(err, "failed to look up system card", goerr.V("slug", name))
		}

		_, err = c.store.InsertCard(ctx, c.session, &model.Card{
			Slug:    name,
			Type:    model.TypeType,
			Version: types.DefaultVersion,
			Active:  true,
			Data:    map[string]any{},
		})
		if err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
			return goerr.Wrap(err, "failed to create system card", goerr.V("slug", name))
		}
	}
	return nil
}

// Run starts consuming. Transient consume start-up failures are retried with
// a fixed delay before the error surfaces.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	var deliveries <-chan interfaces.Delivery
	var err error

	for attempt := 0; attempt < c.startRetries; attempt++ {
		deliveries, err = c.broker.Consume(ctx)
		if err == nil {
			break
		}
		logging.From(ctx).Warn("consume start-up failed, retrying",
			"attempt", attempt+1, "error", err)
		select {
		case <-time.After(c.startDelay):
		case <-ctx.Done():
			return goerr.Wrap(ctx.Err(), "consumer start cancelled")
		}
	}
	if err != nil {
		return goerr.Wrap(err, "failed to start consuming",
			goerr.V("retries", c.startRetries))
	}

	c.started.Store(true)
	go c.loop(ctx, deliveries, handler)
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan interfaces.Delivery, handler Handler) {
	defer close(c.doneCh)

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return
			}
			c.inFlight.Add(1)
			go c.handle(ctx, delivery, handler)

		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery interfaces.Delivery, handler Handler) {
	defer c.inFlight.Done()
	defer c.sem.Release(1)

	logger := logging.From(ctx)

	var request model.ActionRequest
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		// Poison message: acknowledge so it does not redeliver forever.
		logger.Warn("dropping undecodable action request", "error", err)
		c.ack(ctx, delivery)
		return
	}

	action := request.ActionSlug().String()
	c.metrics.IncCounter(observability.MetricJobAdded, map[string]string{"action": action}, 1)

	if err := handler(ctx, &request); err != nil {
		logger.Error("action request handler failed",
			"id", request.ID, "action", request.Action, "error", goerr.Unwrap(err))
	}

	c.metrics.IncCounter(observability.MetricJobDone, map[string]string{"action": action}, 1)
	c.ack(ctx, delivery)
}

func (c *Consumer) ack(ctx context.Context, delivery interfaces.Delivery) {
	if err := c.broker.Ack(ctx, delivery); err != nil {
		logging.From(ctx).Error("failed to acknowledge delivery",
			"tag", delivery.Tag, "error", err)
	}
}

// PostResults records the handler outcome as an execution event and links it
// to the originating request.
func (c *Consumer) PostResults(ctx context.Context, actor types.CardID, request *model.ActionRequest, results model.Results) (*model.ExecutionEvent, error) {
	event, err := c.events.Post(ctx, PostOptions{
		ID:         request.ID,
		Actor:      actor,
		Action:     request.ActionSlug(),
		Card:       request.Card,
		Timestamp:  time.Now().UTC(),
		Originator: request.Originator,
	}, results)
	if err != nil {
		return nil, err
	}

	if err := c.store.AttachLink(ctx, c.session, model.LinkExecutes, event.ID, request.ID); err != nil {
		return nil, goerr.Wrap(err, "failed to link execution event",
			goerr.V("event", event.ID), goerr.V("request", request.ID))
	}
	return event, nil
}

// Cancel stops accepting new work and blocks until every in-flight handler
// finished. Running handlers are never interrupted.
func (c *Consumer) Cancel() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.doneCh
	}
	c.inFlight.Wait()
}
