package model

import (
	"fmt"
	"time"

	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// Request lifecycle markers used by the store-polling transport. The broker
// transport never looks at them.
const (
	RequestStatusQueued   = "queued"
	RequestStatusClaimed  = "claimed"
	RequestStatusExecuted = "executed"
)

// ActionRequest is the durable record of "run this action, on this card,
// with these arguments, as this actor". Immutable once created; redelivery
// means the handler sees it more than once, so handlers must be idempotent.
type ActionRequest struct {
	ID         types.CardID   `json:"id"`
	Slug       types.Slug     `json:"slug"`
	Actor      types.CardID   `json:"actor"`
	Action     string         `json:"action"` // slug@version
	Card       types.CardID   `json:"card"`   // input card
	Arguments  map[string]any `json:"arguments"`
	Context    map[string]any `json:"context,omitempty"`
	Epoch      int64          `json:"epoch"`
	Timestamp  time.Time      `json:"timestamp"`
	Originator types.CardID   `json:"originator,omitempty"`
}

// Validate checks the fields the consumer depends on.
func (r *ActionRequest) Validate() error {
	if err := r.ID.Validate(); err != nil {
		return goerr.Wrap(err, "invalid action request ID")
	}
	if err := r.Actor.Validate(); err != nil {
		return goerr.Wrap(err, "invalid action request actor")
	}
	if r.Action == "" {
		return goerr.New("action request has no action", goerr.V("id", r.ID))
	}
	if err := r.Card.Validate(); err != nil {
		return goerr.Wrap(err, "invalid action request input card")
	}
	return nil
}

// ActionSlug returns the slug part of the request's action reference.
func (r *ActionRequest) ActionSlug() types.Slug {
	vs, err := types.ParseVersionedSlug(r.Action)
	if err != nil {
		return ""
	}
	return vs.Slug
}

// ToCard renders the request as a persistable card.
func (r *ActionRequest) ToCard() *Card {
	data := map[string]any{
		"actor":     r.Actor.String(),
		"action":    r.Action,
		"input":     map[string]any{"id": r.Card.String()},
		"arguments": r.Arguments,
		"epoch":     r.Epoch,
		"timestamp": r.Timestamp.UTC().Format(timestampFormat),
		"status":    RequestStatusQueued,
	}
	if r.Context != nil {
		data["context"] = r.Context
	}
	if r.Originator != "" {
		data["originator"] = r.Originator.String()
	}

	return &Card{
		ID:      r.ID,
		Slug:    r.Slug,
		Type:    TypeActionRequest,
		Version: types.DefaultVersion,
		Active:  true,
		Data:    data,
	}
}

// ActionRequestFromCard reverses ToCard.
func ActionRequestFromCard(card *Card) (*ActionRequest, error) {
	if card.Type != TypeActionRequest {
		return nil, goerr.New("card is not an action request",
			goerr.V("id", card.ID), goerr.V("type", card.Type))
	}

	req := &ActionRequest{
		ID:         card.ID,
		Slug:       card.Slug,
		Actor:      types.CardID(dataString(card.Data, "actor")),
		Action:     dataString(card.Data, "action"),
		Arguments:  dataMap(card.Data, "arguments"),
		Context:    dataMap(card.Data, "context"),
		Epoch:      dataInt(card.Data, "epoch"),
		Timestamp:  dataTime(card.Data, "timestamp"),
		Originator: types.CardID(dataString(card.Data, "originator")),
	}
	if input := dataMap(card.Data, "input"); input != nil {
		req.Card = types.CardID(dataString(input, "id"))
	}

	if err := req.Validate(); err != nil {
		return nil, goerr.Wrap(err, "malformed action request card", goerr.V("id", card.ID))
	}
	return req, nil
}

// NewRequestSlug derives the request card slug from its ID.
func NewRequestSlug(id types.CardID) types.Slug {
	return types.Slug(fmt.Sprintf("action-request-%s", id))
}
