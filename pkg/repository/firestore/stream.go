package firestore

import (
	"context"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

type snapshotSubscription struct {
	ch     chan *model.Card
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	done chan struct{}
}

var _ interfaces.Subscription = &snapshotSubscription{}

// Stream subscribes to document changes matching the filter using Firestore
// query snapshots. Only added and modified documents are forwarded.
func (s *Store) Stream(ctx context.Context, session types.SessionID, filter *interfaces.CardFilter) (interfaces.Subscription, error) {
	if _, err := s.resolveSession(ctx, session); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &snapshotSubscription{
		ch:     make(chan *model.Card, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Ordered snapshot listeners require a matching index; the change feed
	// does not need the ordering, only the match.
	feedFilter := filter
	if filter != nil && filter.OrderByDataDesc != "" {
		copied := *filter
		copied.OrderByDataDesc = ""
		copied.Limit = 0
		feedFilter = &copied
	}

	go sub.run(streamCtx, s.buildQuery(feedFilter).Snapshots(streamCtx))
	return sub, nil
}

func (sub *snapshotSubscription) run(ctx context.Context, snapshots *firestore.QuerySnapshotIterator) {
	defer close(sub.done)
	defer close(sub.ch)
	defer snapshots.Stop()

	for {
		snap, err := snapshots.Next()
		if err != nil {
			if ctx.Err() == nil {
				sub.setErr(goerr.Wrap(err, "card snapshot stream failed"))
			}
			return
		}
		for _, change := range snap.Changes {
			if change.Kind == firestore.DocumentRemoved {
				continue
			}
			var doc cardDocument
			if err := change.Doc.DataTo(&doc); err != nil {
				sub.setErr(goerr.Wrap(err, "failed to decode streamed card"))
				return
			}
			select {
			case sub.ch <- cardToModel(&doc):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (sub *snapshotSubscription) setErr(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.err == nil {
		sub.err = err
	}
}

func (sub *snapshotSubscription) Events() <-chan *model.Card {
	return sub.ch
}

func (sub *snapshotSubscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *snapshotSubscription) Close() {
	sub.cancel()
	<-sub.done
}
