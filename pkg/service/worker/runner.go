package worker

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/queue"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

const (
	// DefaultInterval is the poll period against the card store.
	DefaultInterval = 5 * time.Second
	// DefaultConcurrency bounds handlers per sweep.
	DefaultConcurrency = 5
)

// claimPatch moves a request from queued to claimed. The test op makes the
// claim a compare-and-swap: a concurrent claimer fails the patch and skips.
var claimPatch = []byte(`[` +
	`{"op":"test","path":"/data/status","value":"queued"},` +
	`{"op":"replace","path":"/data/status","value":"claimed"}` +
	`]`)

var executedPatch = []byte(`[{"op":"replace","path":"/data/status","value":"executed"}]`)

// Runner is the store-polling alternative to the broker transport: it sweeps
// the card store for queued action requests and feeds them to the same
// handler the broker consumer would.
//
// Single runner per deployment; concurrent runners are safe (the claim is a
// CAS) but waste sweeps.
type Runner struct {
	store   interfaces.CardStore
	session types.SessionID
	handler queue.Handler
	metrics *observability.Registry

	interval    time.Duration
	concurrency int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithConcurrency bounds concurrent handlers per sweep.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics routes job counters to the given registry.
func WithMetrics(reg *observability.Registry) Option {
	return func(r *Runner) {
		r.metrics = reg
	}
}

// New creates a Runner bound to a handler. The session must be privileged:
// claiming mutates the request ledger.
func New(store interfaces.CardStore, session types.SessionID, handler queue.Handler, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		session:     session,
		handler:     handler,
		metrics:     observability.Default,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the poll loop in the background.
func (r *Runner) Start(ctx context.Context) error {
	logging.From(ctx).Info("action request runner starting",
		"interval", r.interval.String(), "concurrency", r.concurrency)
	go r.run(ctx)
	return nil
}

// Stop signals the runner and waits until the current sweep drained.
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	if err := r.sweep(ctx); err != nil {
		logging.From(ctx).Error("action request sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				logging.From(ctx).Error("action request sweep failed", "error", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep claims and executes every queued request visible right now.
func (r *Runner) sweep(ctx context.Context) error {
	cards, err := r.store.Query(ctx, r.session, &interfaces.CardFilter{
		Type: model.TypeActionRequest,
		Data: map[string]any{"status": model.RequestStatusQueued},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to query queued action requests")
	}
	if len(cards) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, card := range cards {
		g.Go(func() error {
			r.process(gctx, card)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) process(ctx context.Context, card *model.Card) {
	logger := logging.From(ctx)

	if _, err := r.store.PatchCard(ctx, r.session, card.ID, claimPatch); err != nil {
		// Someone else claimed it first.
		logger.Debug("claim lost", "id", card.ID, "error", err)
		return
	}

	request, err := model.ActionRequestFromCard(card)
	if err != nil {
		logger.Warn("skipping malformed action request card", "id", card.ID, "error", err)
		return
	}

	action := request.ActionSlug().String()
	r.metrics.IncCounter(observability.MetricJobAdded, map[string]string{"action": action}, 1)

	if err := r.handler(ctx, request); err != nil {
		logger.Error("action request handler failed",
			"id", request.ID, "action", request.Action, "error", goerr.Unwrap(err))
	}

	r.metrics.IncCounter(observability.MetricJobDone, map[string]string{"action": action}, 1)

	if _, err := r.store.PatchCard(ctx, r.session, card.ID, executedPatch); err != nil {
		logger.Error("failed to mark request executed", "id", card.ID, "error", err)
	}
}
