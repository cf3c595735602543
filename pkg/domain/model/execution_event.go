package model

import (
	"fmt"
	"time"

	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// Results is the outcome a handler reports for one action request.
type Results struct {
	Error bool `json:"error"`
	Data  any  `json:"data"`
}

// ExecutionPayload correlates an event with the waiter that enqueued the
// request. Timestamp here is when the underlying action actually ran, not
// when the event record was created.
type ExecutionPayload struct {
	ID        types.CardID `json:"id"`   // originating action request
	Card      types.CardID `json:"card"` // target card of the action
	Timestamp time.Time    `json:"timestamp"`
	Error     bool         `json:"error"`
	Data      any          `json:"data"`
}

// ExecutionEvent is the durable record of an action request's outcome.
type ExecutionEvent struct {
	ID         types.CardID     `json:"id"`
	Slug       types.Slug       `json:"slug"`
	Actor      types.CardID     `json:"actor"`
	Target     types.Slug       `json:"target"` // action slug
	Originator types.CardID     `json:"originator,omitempty"`
	Timestamp  time.Time        `json:"timestamp"` // when the event was recorded
	Payload    ExecutionPayload `json:"payload"`
}

// ToCard renders the event as a persistable card.
func (e *ExecutionEvent) ToCard() *Card {
	payload := map[string]any{
		"id":        e.Payload.ID.String(),
		"card":      e.Payload.Card.String(),
		"timestamp": e.Payload.Timestamp.UTC().Format(timestampFormat),
		"error":     e.Payload.Error,
		"data":      e.Payload.Data,
	}
	data := map[string]any{
		"type":      "execute",
		"actor":     e.Actor.String(),
		"target":    e.Target.String(),
		"timestamp": e.Timestamp.UTC().Format(timestampFormat),
		"payload":   payload,
	}
	if e.Originator != "" {
		data["originator"] = e.Originator.String()
	}

	return &Card{
		ID:      e.ID,
		Slug:    e.Slug,
		Type:    TypeExecution,
		Version: types.DefaultVersion,
		Active:  true,
		Data:    data,
	}
}

// ExecutionEventFromCard reverses ToCard.
func ExecutionEventFromCard(card *Card) (*ExecutionEvent, error) {
	if card.Type != TypeExecution {
		return nil, goerr.New("card is not an execution event",
			goerr.V("id", card.ID), goerr.V("type", card.Type))
	}

	event := &ExecutionEvent{
		ID:         card.ID,
		Slug:       card.Slug,
		Actor:      types.CardID(dataString(card.Data, "actor")),
		Target:     types.Slug(dataString(card.Data, "target")),
		Originator: types.CardID(dataString(card.Data, "originator")),
		Timestamp:  dataTime(card.Data, "timestamp"),
	}

	payload := dataMap(card.Data, "payload")
	if payload == nil {
		return nil, goerr.New("execution event has no payload", goerr.V("id", card.ID))
	}
	errored, ok := dataBool(payload, "error")
	if !ok {
		return nil, goerr.New("execution event payload has no error flag", goerr.V("id", card.ID))
	}
	event.Payload = ExecutionPayload{
		ID:        types.CardID(dataString(payload, "id")),
		Card:      types.CardID(dataString(payload, "card")),
		Timestamp: dataTime(payload, "timestamp"),
		Error:     errored,
		Data:      payload["data"],
	}

	return event, nil
}

// NewEventSlug derives the event card slug from its ID.
func NewEventSlug(id types.CardID) types.Slug {
	return types.Slug(fmt.Sprintf("execution-%s", id))
}
