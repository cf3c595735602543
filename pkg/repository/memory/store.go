package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

// Card types only privileged sessions may write.
var protectedTypes = map[string]bool{
	model.TypeActionRequest: true,
	model.TypeExecution:     true,
	model.TypeLink:          true,
	model.TypeSession:       true,
}

// Store is an in-memory CardStore for tests and development. It mirrors the
// firestore backend's behavior, including the live stream.
type Store struct {
	mu            sync.RWMutex
	cards         map[types.CardID]*model.Card
	bySlug        map[string]types.CardID
	watchers      map[int]*watcher
	nextWatcherID int
	systemSession types.SessionID
}

var _ interfaces.CardStore = &Store{}

// Option configures a Store.
type Option func(*Store)

// WithSystemSession sets the privileged system session ID. That session is
// always valid, even without a backing session card; it is how the first
// session cards get created.
func WithSystemSession(session types.SessionID) Option {
	return func(s *Store) {
		s.systemSession = session
	}
}

// New creates an empty Store. Without WithSystemSession a random system
// session is generated; read it back via SystemSession.
func New(opts ...Option) *Store {
	s := &Store{
		cards:    make(map[types.CardID]*model.Card),
		bySlug:   make(map[string]types.CardID),
		watchers: make(map[int]*watcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.systemSession == "" {
		s.systemSession = types.SessionID(types.NewCardID())
	}
	return s
}

// SystemSession returns the privileged system session ID.
func (s *Store) SystemSession() types.SessionID {
	return s.systemSession
}

// resolveSession validates the session and reports whether it is privileged.
// Caller must hold at least the read lock.
func (s *Store) resolveSession(session types.SessionID) (bool, error) {
	if err := session.Validate(); err != nil {
		return false, goerr.Wrap(ErrSessionNotFound, "invalid session", goerr.V("session", session))
	}
	if session == s.systemSession {
		return true, nil
	}

	card, ok := s.cards[session.Card()]
	if !ok || card.Type != model.TypeSession || !card.Active {
		return false, goerr.Wrap(ErrSessionNotFound, "unknown session", goerr.V("session", session))
	}
	privileged, _ := card.Data["privileged"].(bool)
	return privileged, nil
}

func slugKey(vs types.VersionedSlug) string {
	return vs.String()
}

func (s *Store) InsertCard(ctx context.Context, session types.SessionID, card *model.Card) (*model.Card, error) {
	if err := card.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	privileged, err := s.resolveSession(session)
	if err != nil {
		return nil, err
	}
	if protectedTypes[card.Type] && !privileged {
		return nil, goerr.Wrap(ErrPermissionDenied, "protected card type",
			goerr.V("type", card.Type), goerr.V("session", session))
	}

	stored := card.Clone()
	if stored.ID == "" {
		stored.ID = types.NewCardID()
	}
	if stored.Version == "" {
		stored.Version = types.DefaultVersion
	}
	if _, exists := s.cards[stored.ID]; exists {
		return nil, goerr.Wrap(ErrAlreadyExists, "ID collision", goerr.V("id", stored.ID))
	}
	key := slugKey(stored.VersionedSlug())
	if _, exists := s.bySlug[key]; exists {
		return nil, goerr.Wrap(ErrAlreadyExists, "slug collision", goerr.V("slug", key))
	}

	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.cards[stored.ID] = stored
	s.bySlug[key] = stored.ID
	s.notifyLocked(stored)

	return stored.Clone(), nil
}

func (s *Store) GetCardByID(ctx context.Context, session types.SessionID, id types.CardID) (*model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.resolveSession(session); err != nil {
		return nil, err
	}
	card, ok := s.cards[id]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no card with ID", goerr.V("id", id))
	}
	return card.Clone(), nil
}

func (s *Store) GetCardBySlug(ctx context.Context, session types.SessionID, slug types.VersionedSlug) (*model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.resolveSession(session); err != nil {
		return nil, err
	}
	id, ok := s.bySlug[slugKey(slug)]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no card with slug", goerr.V("slug", slug.String()))
	}
	return s.cards[id].Clone(), nil
}

func (s *Store) Query(ctx context.Context, session types.SessionID, filter *interfaces.CardFilter) ([]*model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.resolveSession(session); err != nil {
		return nil, err
	}

	var matched []*model.Card
	for _, card := range s.cards {
		if matchCard(card, filter) {
			matched = append(matched, card.Clone())
		}
	}

	if filter != nil && filter.OrderByDataDesc != "" {
		path := filter.OrderByDataDesc
		sort.Slice(matched, func(i, j int) bool {
			return compareDataPath(matched[i], path) > compareDataPath(matched[j], path)
		})
	}
	if filter != nil && filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *Store) PatchCard(ctx context.Context, session types.SessionID, id types.CardID, patch []byte) (*model.Card, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, goerr.Wrap(ErrPatchFailed, "malformed patch document", goerr.V("id", id))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	privileged, err := s.resolveSession(session)
	if err != nil {
		return nil, err
	}
	card, ok := s.cards[id]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no card with ID", goerr.V("id", id))
	}
	if protectedTypes[card.Type] && !privileged {
		return nil, goerr.Wrap(ErrPermissionDenied, "protected card type",
			goerr.V("type", card.Type), goerr.V("session", session))
	}

	doc, err := json.Marshal(card)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to serialize card", goerr.V("id", id))
	}
	patched, err := decoded.Apply(doc)
	if err != nil {
		return nil, goerr.Wrap(ErrPatchFailed, err.Error(), goerr.V("id", id))
	}

	var updated model.Card
	if err := json.Unmarshal(patched, &updated); err != nil {
		return nil, goerr.Wrap(ErrPatchFailed, "patch result is not a card", goerr.V("id", id))
	}

	// Immutable fields survive any patch.
	updated.ID = card.ID
	updated.Slug = card.Slug
	updated.Version = card.Version
	updated.Type = card.Type
	updated.CreatedAt = card.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	s.cards[id] = &updated
	s.notifyLocked(&updated)

	return updated.Clone(), nil
}

func (s *Store) AttachLink(ctx context.Context, session types.SessionID, name string, from, to types.CardID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	privileged, err := s.resolveSession(session)
	if err != nil {
		return err
	}
	if !privileged {
		return goerr.Wrap(ErrPermissionDenied, "links require a privileged session",
			goerr.V("session", session))
	}

	source, ok := s.cards[from]
	if !ok {
		return goerr.Wrap(ErrNotFound, "link source not found", goerr.V("id", from))
	}
	if _, ok := s.cards[to]; !ok {
		return goerr.Wrap(ErrNotFound, "link target not found", goerr.V("id", to))
	}

	if source.Links == nil {
		source.Links = make(map[string][]types.CardID)
	}
	source.Links[name] = append(source.Links[name], to)
	source.UpdatedAt = time.Now().UTC()
	return nil
}

func matchCard(card *model.Card, filter *interfaces.CardFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Type != "" && !typeMatches(card.Type, filter.Type) {
		return false
	}
	if filter.Slug != "" && card.Slug != filter.Slug {
		return false
	}
	for path, want := range filter.Data {
		got, ok := lookupDataPath(card.Data, path)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

func typeMatches(cardType, want string) bool {
	if cardType == want {
		return true
	}
	// Allow unversioned type references.
	base, _, _ := strings.Cut(cardType, "@")
	return base == want
}

func lookupDataPath(data map[string]any, path string) (any, bool) {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valueEqual(got, want any) bool {
	if got == want {
		return true
	}
	// Data values pass through JSON, so compare canonical encodings for
	// anything that is not directly comparable.
	gotRaw, err1 := json.Marshal(got)
	wantRaw, err2 := json.Marshal(want)
	return err1 == nil && err2 == nil && string(gotRaw) == string(wantRaw)
}

func compareDataPath(card *model.Card, path string) string {
	v, ok := lookupDataPath(card.Data, path)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
