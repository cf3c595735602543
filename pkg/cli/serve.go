package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/deckflow-lab/deckflow/pkg/cli/config"
	httpctrl "github.com/deckflow-lab/deckflow/pkg/controller/http"
	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/integration/github"
	"github.com/deckflow-lab/deckflow/pkg/queue"
	"github.com/deckflow-lab/deckflow/pkg/repository"
	"github.com/deckflow-lab/deckflow/pkg/service/worker"
	deckflowsync "github.com/deckflow-lab/deckflow/pkg/sync"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

func cmdServe() *cli.Command {
	var addr string
	var repoCfg config.Repository
	var brokerCfg config.Broker
	var queueCfg config.Queue
	var oauthCfg config.OAuth

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("DECKFLOW_ADDR"),
			Destination: &addr,
		},
	}
	flags = append(flags, repoCfg.Flags()...)
	flags = append(flags, brokerCfg.Flags()...)
	flags = append(flags, queueCfg.Flags()...)
	flags = append(flags, oauthCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the execution core: webhook ingestion, queue consumer, sync engine",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			system := types.SessionID(uuid.NewString())

			store, closeStore, err := repoCfg.Configure(ctx, system)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize card store")
			}
			defer func() {
				if err := closeStore(); err != nil {
					logging.Default().Error("failed to close card store", "error", err.Error())
				}
			}()

			events := queue.NewEventStore(store, system, queueCfg.EventStoreOptions()...)
			engine := deckflowsync.NewEngine(store, system,
				deckflowsync.WithAppCredentials(oauthCfg.Credentials()),
				deckflowsync.WithIntegration(github.Definition()),
			)
			handler := actionHandler(store, events, engine, system)

			// Transport: broker when configured, store polling otherwise.
			var consumer *queue.Consumer
			var runner *worker.Runner
			if brokerCfg.Configured() {
				client := brokerCfg.Configure()
				if err := client.Initialize(ctx); err != nil {
					return goerr.Wrap(err, "failed to connect to broker")
				}
				defer func() {
					if err := client.Close(); err != nil {
						logging.Default().Error("failed to close broker", "error", err.Error())
					}
				}()

				consumer = queue.NewConsumer(store, events, client, system, queueCfg.ConsumerOptions()...)
				if err := consumer.InitializeWithEventHandler(ctx, handler); err != nil {
					return goerr.Wrap(err, "failed to start queue consumer")
				}
				logging.Default().Info("Queue consumer started", "concurrency", queueCfg.Concurrency())
			} else {
				logging.Default().Warn("Broker URL not configured, using store-polling worker")
				runner = worker.New(store, system, handler,
					worker.WithConcurrency(queueCfg.Concurrency()))
				if err := runner.Start(ctx); err != nil {
					return goerr.Wrap(err, "failed to start worker")
				}
			}

			actor, err := ensureWebhookActor(ctx, store, system)
			if err != nil {
				return goerr.Wrap(err, "failed to resolve webhook actor")
			}
			webhooks := httpctrl.NewWebhookHandler(store, system, engine, actor)
			server := &http.Server{
				Addr:              addr,
				Handler:           httpctrl.New(webhooks),
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("Starting HTTP server", "addr", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logging.Default().Info("Received shutdown signal", "signal", sig)

				// Drain in-flight handlers before tearing anything down.
				if consumer != nil {
					consumer.Cancel()
				}
				if runner != nil {
					runner.Stop()
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "failed to shutdown server gracefully")
				}

				logging.Default().Info("Server shutdown completed")
				return nil
			}
		},
	}
}

// webhookActorSlug addresses the service account that webhook-driven
// translations run as.
const webhookActorSlug = types.Slug("webhook-ingest")

// ensureWebhookActor resolves the ingestion service account card, creating
// it on first start. Imported segments carry this actor when no concrete
// user is involved.
func ensureWebhookActor(ctx context.Context, store interfaces.CardStore, session types.SessionID) (types.CardID, error) {
	card, err := store.GetCardBySlug(ctx, session, types.VersionedSlug{
		Slug: webhookActorSlug, Version: types.DefaultVersion,
	})
	if err == nil {
		return card.ID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", goerr.Wrap(err, "failed to look up webhook actor",
			goerr.V("slug", webhookActorSlug))
	}

	created, err := store.InsertCard(ctx, session, &model.Card{
		Slug:    webhookActorSlug,
		Type:    model.TypeUser,
		Version: types.DefaultVersion,
		Active:  true,
		Data:    map[string]any{"name": "Webhook ingestion"},
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to create webhook actor",
			goerr.V("slug", webhookActorSlug))
	}
	return created.ID, nil
}

// actionHandler executes one action request and records the outcome as an
// execution event linked to the request. Failures inside the action become
// an error-flagged event, not a handler error, so the delivery still acks.
func actionHandler(store interfaces.CardStore, events *queue.EventStore, engine *deckflowsync.Engine, session types.SessionID) queue.Handler {
	return func(ctx context.Context, req *model.ActionRequest) error {
		results := executeAction(ctx, store, engine, session, req)

		event, err := events.Post(ctx, queue.PostOptions{
			ID:         req.ID,
			Actor:      req.Actor,
			Action:     req.ActionSlug(),
			Card:       req.Card,
			Timestamp:  time.Now().UTC(),
			Originator: req.Originator,
		}, results)
		if err != nil {
			return err
		}
		if err := store.AttachLink(ctx, session, model.LinkExecutes, event.ID, req.ID); err != nil {
			return goerr.Wrap(err, "failed to link execution event",
				goerr.V("event", event.ID), goerr.V("request", req.ID))
		}
		return nil
	}
}

func executeAction(ctx context.Context, store interfaces.CardStore, engine *deckflowsync.Engine, session types.SessionID, req *model.ActionRequest) model.Results {
	target, err := store.GetCardByID(ctx, session, req.Card)
	if err != nil {
		return model.Results{Error: true, Data: map[string]any{"message": err.Error()}}
	}

	switch req.ActionSlug() {
	case "translate":
		cards, err := engine.TranslateExternalEvent(ctx, target, req.Actor)
		return importResults(cards, err)
	case "mirror":
		provider, _ := req.Arguments["provider"].(string)
		cards, err := engine.MirrorCard(ctx, target, provider, req.Actor)
		return importResults(cards, err)
	default:
		return model.Results{Error: true, Data: map[string]any{
			"message": "no handler for action",
			"action":  req.Action,
		}}
	}
}

func importResults(cards []*model.Card, err error) model.Results {
	if err != nil {
		return model.Results{Error: true, Data: map[string]any{"message": err.Error()}}
	}
	imported := make([]string, len(cards))
	for i, card := range cards {
		imported[i] = card.ID.String()
	}
	return model.Results{Data: map[string]any{"cards": imported}}
}
