package queue

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

// DefaultWaitPollInterval is the safety-net re-poll period of Wait. The
// subscription is the primary signal; the poll only covers missed
// notifications.
const DefaultWaitPollInterval = 8 * time.Second

// EventStore posts and queries execution events. Events are cards, so the
// store is a thin layer over the card store using a privileged session.
type EventStore struct {
	store    interfaces.CardStore
	session  types.SessionID
	waitPoll time.Duration
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*EventStore)

// WithWaitPollInterval tunes the re-poll fallback of Wait. Deployments with
// a slow store may want a longer period.
func WithWaitPollInterval(d time.Duration) EventStoreOption {
	return func(s *EventStore) {
		if d > 0 {
			s.waitPoll = d
		}
	}
}

// NewEventStore creates an EventStore writing through the given privileged
// session.
func NewEventStore(store interfaces.CardStore, session types.SessionID, opts ...EventStoreOption) *EventStore {
	s := &EventStore{
		store:    store,
		session:  session,
		waitPoll: DefaultWaitPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PostOptions identify the action request an event resolves.
type PostOptions struct {
	ID         types.CardID // action request ID
	Actor      types.CardID
	Action     types.Slug   // action slug
	Card       types.CardID // target card of the action
	Timestamp  time.Time    // when the action actually ran
	Originator types.CardID
}

func (o *PostOptions) validate() error {
	if o.ID == "" || o.Actor == "" || o.Action == "" || o.Card == "" {
		return goerr.Wrap(ErrInvalidRequest, "incomplete post options",
			goerr.V("id", o.ID), goerr.V("actor", o.Actor),
			goerr.V("action", o.Action), goerr.V("card", o.Card))
	}
	return nil
}

// Post records the outcome of one processed action request. The event's own
// timestamp is the present time; the payload keeps the caller-supplied one.
func (s *EventStore) Post(ctx context.Context, opts PostOptions, results model.Results) (*model.ExecutionEvent, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	id := types.NewCardID()
	event := &model.ExecutionEvent{
		ID:         id,
		Slug:       model.NewEventSlug(id),
		Actor:      opts.Actor,
		Target:     opts.Action,
		Originator: opts.Originator,
		Timestamp:  time.Now().UTC(),
		Payload: model.ExecutionPayload{
			ID:        opts.ID,
			Card:      opts.Card,
			Timestamp: opts.Timestamp,
			Error:     results.Error,
			Data:      results.Data,
		},
	}

	stored, err := s.store.InsertCard(ctx, s.session, event.ToCard())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to post execution event",
			goerr.V("request", opts.ID))
	}
	event.ID = stored.ID
	return event, nil
}

// WaitOptions correlate a waiter with the event it expects.
type WaitOptions struct {
	ID     types.CardID // action request ID
	Actor  types.CardID
	Action types.Slug
	Card   types.CardID
}

func (o *WaitOptions) filter() *interfaces.CardFilter {
	return &interfaces.CardFilter{
		Type: model.TypeExecution,
		Data: map[string]any{
			"target":       o.Action.String(),
			"actor":        o.Actor.String(),
			"payload.id":   o.ID.String(),
			"payload.card": o.Card.String(),
		},
		Limit: 1,
	}
}

// Wait blocks until the first execution event matching the options exists.
// It point-queries before subscribing, re-polls right after the subscription
// is armed to close the race window, and keeps re-polling on the configured
// interval as a safety net against missed notifications. The wait itself has
// no hard ceiling; callers bound it through ctx.
//
// A nil event with nil error means the stream ended before a match; callers
// treat that as "no event".
func (s *EventStore) Wait(ctx context.Context, opts WaitOptions) (*model.ExecutionEvent, error) {
	filter := opts.filter()

	if event, err := s.pollOne(ctx, filter); event != nil || err != nil {
		return event, err
	}

	sub, err := s.store.Stream(ctx, s.session, filter)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to subscribe for execution events",
			goerr.V("request", opts.ID))
	}
	defer sub.Close()

	// The event may have landed between the point query and the
	// subscription being armed.
	if event, err := s.pollOne(ctx, filter); event != nil || err != nil {
		return event, err
	}

	timer := time.NewTimer(s.waitPoll)
	defer timer.Stop()

	for {
		select {
		case card, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return nil, goerr.Wrap(err, "execution event stream failed",
						goerr.V("request", opts.ID))
				}
				return nil, nil
			}
			event, err := model.ExecutionEventFromCard(card)
			if err != nil {
				return nil, goerr.Wrap(ErrInvalidRequest, err.Error(),
					goerr.V("request", opts.ID))
			}
			return event, nil

		case <-timer.C:
			if event, err := s.pollOne(ctx, filter); event != nil || err != nil {
				return event, err
			}
			timer.Reset(s.waitPoll)

		case <-ctx.Done():
			return nil, goerr.Wrap(ctx.Err(), "wait for execution event cancelled",
				goerr.V("request", opts.ID))
		}
	}
}

func (s *EventStore) pollOne(ctx context.Context, filter *interfaces.CardFilter) (*model.ExecutionEvent, error) {
	cards, err := s.store.Query(ctx, s.session, filter)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query execution events")
	}
	if len(cards) == 0 {
		return nil, nil
	}
	event, err := model.ExecutionEventFromCard(cards[0])
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidRequest, err.Error(), goerr.V("card", cards[0].ID))
	}
	return event, nil
}

// GetLastExecutionEvent returns the most recent event with the given
// originator, or nil if the chain never produced one.
func (s *EventStore) GetLastExecutionEvent(ctx context.Context, originator types.CardID) (*model.ExecutionEvent, error) {
	if originator == "" {
		return nil, goerr.Wrap(ErrInvalidRequest, "originator is required")
	}

	cards, err := s.store.Query(ctx, s.session, &interfaces.CardFilter{
		Type:            model.TypeExecution,
		Data:            map[string]any{"originator": originator.String()},
		OrderByDataDesc: "timestamp",
		Limit:           1,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query execution events",
			goerr.V("originator", originator))
	}
	if len(cards) == 0 {
		return nil, nil
	}
	return model.ExecutionEventFromCard(cards[0])
}
