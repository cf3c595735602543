package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/sync"
	"github.com/deckflow-lab/deckflow/pkg/utils/async"
	"github.com/deckflow-lab/deckflow/pkg/utils/errutil"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandler persists incoming provider payloads as external event
// cards and hands them to the sync engine asynchronously. The HTTP response
// only acknowledges receipt; translation happens in the background, acting
// as the configured ingestion actor.
type WebhookHandler struct {
	store   interfaces.CardStore
	session types.SessionID
	engine  *sync.Engine
	actor   types.CardID
}

func NewWebhookHandler(store interfaces.CardStore, session types.SessionID, engine *sync.Engine, actor types.CardID) *WebhookHandler {
	return &WebhookHandler{
		store:   store,
		session: session,
		engine:  engine,
		actor:   actor,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider := chi.URLParam(r, "provider")
	if provider == "" {
		errutil.HandleHTTP(ctx, w, goerr.New("webhook provider is required"), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		errutil.HandleHTTP(ctx, w, goerr.Wrap(err, "failed to read webhook body"), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		errutil.HandleHTTP(ctx, w, goerr.New("webhook body is empty", goerr.V("provider", provider)), http.StatusBadRequest)
		return
	}

	event := &model.Card{
		Slug:    types.Slug("external-event-" + uuid.NewString()),
		Type:    model.TypeExternalEvent,
		Version: types.DefaultVersion,
		Active:  true,
		Data: map[string]any{
			"provider":    provider,
			"payload":     string(body),
			"received_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	stored, err := h.store.InsertCard(ctx, h.session, event)
	if err != nil {
		errutil.HandleHTTP(ctx, w, goerr.Wrap(err, "failed to store external event",
			goerr.V("provider", provider)), http.StatusInternalServerError)
		return
	}

	async.Dispatch(ctx, func(ctx context.Context) error {
		_, err := h.engine.TranslateExternalEvent(ctx, stored, h.actor)
		return err
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	resp := map[string]string{
		"id":   stored.ID.String(),
		"slug": stored.Slug.String(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		errutil.Handle(ctx, err, "failed to write webhook response") //nolint:errcheck // header already committed
	}
}
