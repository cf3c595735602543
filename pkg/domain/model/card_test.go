package model_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

func TestCardValidate(t *testing.T) {
	card := &model.Card{
		Slug:    "valid-card",
		Type:    "note@1.0.0",
		Version: types.DefaultVersion,
	}
	gt.NoError(t, card.Validate())

	gt.Error(t, (&model.Card{Type: "note@1.0.0", Version: "1.0.0"}).Validate())
	gt.Error(t, (&model.Card{Slug: "valid-card", Version: "1.0.0"}).Validate())
	gt.Error(t, (&model.Card{Slug: "valid-card", Type: "note@1.0.0"}).Validate())
}

func TestCardClone(t *testing.T) {
	card := &model.Card{
		Slug:    "clone-source",
		Type:    "note@1.0.0",
		Version: types.DefaultVersion,
		Data: map[string]any{
			"nested": map[string]any{"value": "original"},
		},
	}

	copied := card.Clone()
	copied.Data["nested"].(map[string]any)["value"] = "mutated"

	gt.Value(t, card.Data["nested"].(map[string]any)["value"]).Equal("original")
}

func TestApplyCardDefaults(t *testing.T) {
	t.Run("fills missing optional fields", func(t *testing.T) {
		merged := model.ApplyCardDefaults(map[string]any{
			"slug": "defaulted",
			"type": "note@1.0.0",
		})

		gt.Value(t, merged["active"]).Equal(true)
		gt.Value(t, merged["version"]).Equal(types.DefaultVersion)
		gt.Value(t, merged["data"]).Equal(map[string]any{})
	})

	t.Run("never overwrites present keys", func(t *testing.T) {
		merged := model.ApplyCardDefaults(map[string]any{
			"slug":    "pinned",
			"type":    "note@1.0.0",
			"active":  false,
			"version": "3.0.0",
			"data":    map[string]any{"keep": true},
		})

		gt.Value(t, merged["active"]).Equal(false)
		gt.Value(t, merged["version"]).Equal("3.0.0")
		gt.Value(t, merged["data"]).Equal(map[string]any{"keep": true})
	})
}

func TestCardFromTemplate(t *testing.T) {
	card, err := model.CardFromTemplate(model.ApplyCardDefaults(map[string]any{
		"slug": "from-template",
		"type": "note@1.0.0",
		"name": "Template Card",
		"data": map[string]any{"field": "value"},
	}))
	gt.NoError(t, err).Required()

	gt.Value(t, card.Slug).Equal(types.Slug("from-template"))
	gt.Value(t, card.Type).Equal("note@1.0.0")
	gt.Value(t, card.Version).Equal(types.DefaultVersion)
	gt.Bool(t, card.Active).True()
	gt.Value(t, card.Data["field"]).Equal("value")
}

func TestActionRequestCardRoundtrip(t *testing.T) {
	id := types.NewCardID()
	request := &model.ActionRequest{
		ID:         id,
		Slug:       model.NewRequestSlug(id),
		Actor:      types.NewCardID(),
		Action:     "publish@1.0.0",
		Card:       types.NewCardID(),
		Arguments:  map[string]any{"channel": "general"},
		Context:    map[string]any{"origin": "test"},
		Epoch:      42,
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
		Originator: types.NewCardID(),
	}

	card := request.ToCard()
	gt.Value(t, card.Type).Equal(model.TypeActionRequest)
	gt.Value(t, card.Data["status"]).Equal(model.RequestStatusQueued)

	restored, err := model.ActionRequestFromCard(card)
	gt.NoError(t, err).Required()
	gt.Value(t, restored.ID).Equal(request.ID)
	gt.Value(t, restored.Actor).Equal(request.Actor)
	gt.Value(t, restored.Action).Equal(request.Action)
	gt.Value(t, restored.Card).Equal(request.Card)
	gt.Value(t, restored.Epoch).Equal(request.Epoch)
	gt.Value(t, restored.Originator).Equal(request.Originator)
	gt.Value(t, restored.Timestamp).Equal(request.Timestamp)
}

func TestActionRequestFromCardRejectsOtherTypes(t *testing.T) {
	_, err := model.ActionRequestFromCard(&model.Card{Type: "note@1.0.0"})
	gt.Error(t, err)
}

func TestExecutionEventCardRoundtrip(t *testing.T) {
	id := types.NewCardID()
	event := &model.ExecutionEvent{
		ID:         id,
		Slug:       model.NewEventSlug(id),
		Actor:      types.NewCardID(),
		Target:     "publish",
		Originator: types.NewCardID(),
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
		Payload: model.ExecutionPayload{
			ID:        types.NewCardID(),
			Card:      types.NewCardID(),
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			Error:     true,
			Data:      map[string]any{"message": "boom"},
		},
	}

	card := event.ToCard()
	gt.Value(t, card.Type).Equal(model.TypeExecution)
	gt.Value(t, card.Data["type"]).Equal("execute")

	restored, err := model.ExecutionEventFromCard(card)
	gt.NoError(t, err).Required()
	gt.Value(t, restored.Actor).Equal(event.Actor)
	gt.Value(t, restored.Target).Equal(event.Target)
	gt.Value(t, restored.Payload.ID).Equal(event.Payload.ID)
	gt.Bool(t, restored.Payload.Error).True()
}

func TestExecutionEventFromCardRejectsIncompletePayload(t *testing.T) {
	card := (&model.ExecutionEvent{
		ID:     types.NewCardID(),
		Slug:   "execution-broken",
		Actor:  types.NewCardID(),
		Target: "publish",
	}).ToCard()
	delete(card.Data, "payload")

	_, err := model.ExecutionEventFromCard(card)
	gt.Error(t, err)

	// Payload without an error flag is also rejected.
	card2 := (&model.ExecutionEvent{
		ID:     types.NewCardID(),
		Slug:   "execution-broken-2",
		Actor:  types.NewCardID(),
		Target: "publish",
	}).ToCard()
	delete(card2.Data["payload"].(map[string]any), "error")

	_, err = model.ExecutionEventFromCard(card2)
	gt.Error(t, err)
}
