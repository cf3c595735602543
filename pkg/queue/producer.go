package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/repository"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

// Producer accepts a caller's intent to run an action, persists the request
// ledger entry, and pushes it to the broker. Request cards are written with
// the privileged session because callers must not have write access to the
// ledger; reads during resolution use the caller's own session as an
// authorization checkpoint.
type Producer struct {
	store      interfaces.CardStore
	events     *EventStore
	broker     interfaces.Broker
	privileged types.SessionID
}

// NewProducer wires a Producer.
func NewProducer(store interfaces.CardStore, events *EventStore, broker interfaces.Broker, privileged types.SessionID) *Producer {
	return &Producer{
		store:      store,
		events:     events,
		broker:     broker,
		privileged: privileged,
	}
}

// ProduceOptions describe the intent to enqueue.
type ProduceOptions struct {
	Action     string // slug@version of the action card
	Card       string // ID or slug[@version] of the target card
	Arguments  map[string]any
	Context    map[string]any
	Originator types.CardID
	Epoch      int64
}

// StoreRequest resolves the session, target, and action cards with the
// caller's own session, then persists the action request with the privileged
// one. Resolution failures map to the invalid-session / invalid-action /
// invalid-request errors and nothing is written.
func (p *Producer) StoreRequest(ctx context.Context, actor types.CardID, session types.SessionID, opts ProduceOptions) (*model.ActionRequest, error) {
	if _, err := p.store.GetCardByID(ctx, session, session.Card()); err != nil {
		return nil, goerr.Wrap(ErrInvalidSession, err.Error(), goerr.V("session", session))
	}

	target, err := p.resolveTarget(ctx, session, opts.Card)
	if err != nil {
		return nil, err
	}

	actionRef, err := types.ParseVersionedSlug(opts.Action)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidAction, err.Error(), goerr.V("action", opts.Action))
	}
	if _, err := p.store.GetCardBySlug(ctx, session, actionRef); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, goerr.Wrap(ErrInvalidSession, err.Error(), goerr.V("session", session))
		}
		return nil, goerr.Wrap(ErrInvalidAction, err.Error(), goerr.V("action", opts.Action))
	}

	id := types.NewCardID()
	epoch := opts.Epoch
	now := time.Now().UTC()
	if epoch == 0 {
		epoch = now.UnixMilli()
	}

	request := &model.ActionRequest{
		ID:         id,
		Slug:       model.NewRequestSlug(id),
		Actor:      actor,
		Action:     actionRef.String(),
		Card:       target.ID,
		Arguments:  opts.Arguments,
		Context:    opts.Context,
		Epoch:      epoch,
		Timestamp:  now,
		Originator: opts.Originator,
	}

	if _, err := p.store.InsertCard(ctx, p.privileged, request.ToCard()); err != nil {
		return nil, goerr.Wrap(err, "failed to persist action request", goerr.V("id", id))
	}
	return request, nil
}

func (p *Producer) resolveTarget(ctx context.Context, session types.SessionID, ref string) (*model.Card, error) {
	if ref == "" {
		return nil, goerr.Wrap(ErrInvalidRequest, "target card is required")
	}

	if types.IsID(ref) {
		card, err := p.store.GetCardByID(ctx, session, types.CardID(ref))
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				return nil, goerr.Wrap(ErrInvalidSession, err.Error(), goerr.V("session", session))
			}
			return nil, goerr.Wrap(ErrInvalidRequest, err.Error(), goerr.V("card", ref))
		}
		return card, nil
	}

	vs, err := types.ParseVersionedSlug(ref)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidRequest, err.Error(), goerr.V("card", ref))
	}
	card, err := p.store.GetCardBySlug(ctx, session, vs)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, goerr.Wrap(ErrInvalidSession, err.Error(), goerr.V("session", session))
		}
		return nil, goerr.Wrap(ErrInvalidRequest, err.Error(), goerr.V("card", ref))
	}
	return card, nil
}

// Enqueue stores the request and pushes it to the broker. The broker confirms
// durable acceptance before Enqueue returns.
func (p *Producer) Enqueue(ctx context.Context, actor types.CardID, session types.SessionID, opts ProduceOptions) (*model.ActionRequest, error) {
	request, err := p.StoreRequest(ctx, actor, session, opts)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to serialize action request", goerr.V("id", request.ID))
	}
	if err := p.broker.Send(ctx, body); err != nil {
		return nil, goerr.Wrap(err, "failed to publish action request", goerr.V("id", request.ID))
	}

	logging.From(ctx).Debug("action request enqueued",
		"id", request.ID, "action", request.Action, "actor", request.Actor)
	return request, nil
}

// WaitResult is what the original caller observes once the request completed.
type WaitResult struct {
	Error     bool
	Timestamp time.Time
	Data      any
}

// WaitResults blocks until the execution event matching the request appears
// and returns its outcome.
func (p *Producer) WaitResults(ctx context.Context, request *model.ActionRequest) (*WaitResult, error) {
	event, err := p.events.Wait(ctx, WaitOptions{
		ID:     request.ID,
		Actor:  request.Actor,
		Action: request.ActionSlug(),
		Card:   request.Card,
	})
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, goerr.Wrap(ErrNoRequest, "stream ended before a matching event",
			goerr.V("request", request.ID))
	}
	if event.Payload.ID == "" {
		return nil, goerr.Wrap(ErrInvalidRequest, "execution event has no payload",
			goerr.V("request", request.ID), goerr.V("event", event.ID))
	}

	return &WaitResult{
		Error:     event.Payload.Error,
		Timestamp: event.Payload.Timestamp,
		Data:      event.Payload.Data,
	}, nil
}

// GetLastExecutionEvent exposes the event store's originator lookup.
func (p *Producer) GetLastExecutionEvent(ctx context.Context, originator types.CardID) (*model.ExecutionEvent, error) {
	return p.events.GetLastExecutionEvent(ctx, originator)
}
