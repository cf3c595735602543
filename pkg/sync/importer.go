package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/wI2L/jsondiff"
	"golang.org/x/sync/errgroup"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/repository"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

const (
	// DefaultStepConcurrency bounds how many segments of one step import
	// concurrently.
	DefaultStepConcurrency = 3
	// DefaultUpsertRetries bounds insert-vs-insert race retries.
	DefaultUpsertRetries = 2
)

// AppCredentials are the OAuth client credentials of this deployment plus
// the fallback user whose tokens cover integrations acting without a
// concrete user.
type AppCredentials struct {
	ClientID     string
	ClientSecret types.Secret
	DefaultUser  types.Slug
}

// Engine drives the sync pipeline: importing card sequences, running
// integrations, and refreshing OAuth tokens.
type Engine struct {
	store   interfaces.CardStore
	session types.SessionID
	metrics *observability.Registry

	concurrency   int
	upsertRetries int

	httpClient  *http.Client
	credentials AppCredentials
	defs        map[string]interfaces.IntegrationDefinition
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStepConcurrency bounds parallel segments per step.
func WithStepConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithUpsertRetries bounds already-exists race retries.
func WithUpsertRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.upsertRetries = n
		}
	}
}

// WithHTTPClient replaces the outbound HTTP client integrations go through.
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// WithAppCredentials sets the OAuth client credentials.
func WithAppCredentials(creds AppCredentials) EngineOption {
	return func(e *Engine) {
		e.credentials = creds
	}
}

// WithIntegration registers a provider.
func WithIntegration(defs ...interfaces.IntegrationDefinition) EngineOption {
	return func(e *Engine) {
		for _, def := range defs {
			e.defs[def.Provider] = def
		}
	}
}

// WithMetrics routes counters to the given registry.
func WithMetrics(r *observability.Registry) EngineOption {
	return func(e *Engine) {
		e.metrics = r
	}
}

// NewEngine wires an Engine writing through the given privileged session.
func NewEngine(store interfaces.CardStore, session types.SessionID, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		session:       session,
		metrics:       observability.Default,
		concurrency:   DefaultStepConcurrency,
		upsertRetries: DefaultUpsertRetries,
		httpClient:    http.DefaultClient,
		defs:          make(map[string]interfaces.IntegrationDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ImportOptions accompany one ImportCards call.
type ImportOptions struct {
	// Origin is the slug of the external event that produced the
	// sequence; it is stamped into each card's data.
	Origin types.Slug
}

// ImportCards walks the sequence step by step. Segments inside one step
// import concurrently (bounded); a step never starts before the previous
// one's results are recorded in the reference table. A failing segment
// aborts the call; earlier steps stay committed.
func (e *Engine) ImportCards(ctx context.Context, sequence model.Sequence, opts ImportOptions) ([]*model.Card, error) {
	refs := NewRefTable()
	results := make([]*model.Card, 0, sequence.Segments())

	for stepIndex, step := range sequence {
		out := make([]*model.Card, len(step))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for segmentIndex, segment := range step {
			g.Go(func() error {
				card, err := e.importSegment(gctx, refs, segment, opts)
				if err != nil {
					return goerr.Wrap(err, "failed to import segment",
						goerr.V("step", stepIndex), goerr.V("segment", segmentIndex))
				}
				out[segmentIndex] = card
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for segmentIndex, card := range out {
			refs.Record(stepIndex, segmentIndex, len(step), card)
			results = append(results, card)
		}
	}

	return results, nil
}

func (e *Engine) importSegment(ctx context.Context, refs *RefTable, segment *model.Segment, opts ImportOptions) (*model.Card, error) {
	if segment.Actor == "" {
		return nil, goerr.Wrap(ErrNoActor, "segment has no actor")
	}

	evaluated, err := refs.Evaluate(segment.Card)
	if err != nil {
		return nil, err
	}
	merged := model.ApplyCardDefaults(evaluated)

	card, err := model.CardFromTemplate(merged)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidTemplate, err.Error())
	}
	if card.Type == "" {
		return nil, goerr.Wrap(ErrInvalidType, "template has no type", goerr.V("slug", card.Slug))
	}
	if opts.Origin != "" {
		card.Data["origin"] = opts.Origin.String()
	}

	upserted, err := e.upsert(ctx, card)
	if err != nil {
		return nil, err
	}

	logging.From(ctx).Debug("imported card",
		"slug", upserted.Slug, "actor", segment.Actor, "origin", opts.Origin)
	return upserted, nil
}

// upsert inserts the card, or patches the existing one with the minimal
// normalized diff. An insert that loses a concurrent race re-runs as a
// patch, bounded by the retry budget.
func (e *Engine) upsert(ctx context.Context, card *model.Card) (*model.Card, error) {
	vs := card.VersionedSlug()

	for attempt := 0; attempt <= e.upsertRetries; attempt++ {
		existing, err := e.store.GetCardBySlug(ctx, e.session, vs)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return nil, e.mapStoreError(err, vs)
			}

			inserted, insertErr := e.store.InsertCard(ctx, e.session, card)
			if insertErr == nil {
				return inserted, nil
			}
			if errors.Is(insertErr, repository.ErrAlreadyExists) {
				// Lost the race; the next pass patches instead.
				continue
			}
			return nil, e.mapStoreError(insertErr, vs)
		}

		patch, err := jsondiff.Compare(normalizeCard(existing), normalizeCard(card))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to diff cards", goerr.V("slug", vs.String()))
		}
		if len(patch) == 0 {
			return existing, nil
		}

		raw, err := json.Marshal(patch)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to serialize patch", goerr.V("slug", vs.String()))
		}
		patched, err := e.store.PatchCard(ctx, e.session, existing.ID, raw)
		if err != nil {
			return nil, e.mapStoreError(err, vs)
		}
		return patched, nil
	}

	return nil, goerr.New("upsert retry budget exhausted",
		goerr.V("slug", vs.String()), goerr.V("retries", e.upsertRetries))
}

func (e *Engine) mapStoreError(err error, vs types.VersionedSlug) error {
	if errors.Is(err, repository.ErrPermissionDenied) {
		return goerr.Wrap(ErrPermissions, err.Error(), goerr.V("slug", vs.String()))
	}
	return goerr.Wrap(err, "card store operation failed", goerr.V("slug", vs.String()))
}

// normalizeCard strips the volatile fields so a diff only reflects real
// content changes.
func normalizeCard(card *model.Card) map[string]any {
	raw, err := json.Marshal(card)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	delete(doc, "id")
	delete(doc, "type")
	delete(doc, "created_at")
	delete(doc, "updated_at")
	return doc
}
