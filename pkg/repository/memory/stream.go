package memory

import (
	"context"
	"sync"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

const watcherBuffer = 64

type watcher struct {
	store  *Store
	id     int
	filter *interfaces.CardFilter
	ch     chan *model.Card

	mu     sync.Mutex
	err    error
	closed bool
}

var _ interfaces.Subscription = &watcher{}

// Stream subscribes to future inserts and patches matching the filter.
// A consumer that falls behind the buffer is terminated with ErrSlowConsumer
// rather than blocking writers; waiters are expected to re-poll anyway.
func (s *Store) Stream(ctx context.Context, session types.SessionID, filter *interfaces.CardFilter) (interfaces.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.resolveSession(session); err != nil {
		return nil, err
	}

	w := &watcher{
		store:  s,
		id:     s.nextWatcherID,
		filter: filter,
		ch:     make(chan *model.Card, watcherBuffer),
	}
	s.nextWatcherID++
	s.watchers[w.id] = w

	context.AfterFunc(ctx, w.Close)
	return w, nil
}

// notifyLocked fans a changed card out to matching watchers. Caller holds the
// store write lock.
func (s *Store) notifyLocked(card *model.Card) {
	for _, w := range s.watchers {
		if !matchCard(card, w.filter) {
			continue
		}
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			continue
		}
		select {
		case w.ch <- card.Clone():
			w.mu.Unlock()
		default:
			w.err = ErrSlowConsumer
			w.closed = true
			close(w.ch)
			w.mu.Unlock()
			delete(s.watchers, w.id)
		}
	}
}

func (w *watcher) Events() <-chan *model.Card {
	return w.ch
}

func (w *watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watcher) Close() {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
	delete(w.store.watchers, w.id)
}
