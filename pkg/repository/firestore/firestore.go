package firestore

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/repository"
)

// Store is the Firestore-backed CardStore.
type Store struct {
	client           *firestore.Client
	collectionPrefix string
	systemSession    types.SessionID
}

var _ interfaces.CardStore = &Store{}

// Option configures a Store.
type Option func(*Store)

// WithCollectionPrefix namespaces the collections, used by tests to isolate
// runs against a shared project.
func WithCollectionPrefix(prefix string) Option {
	return func(s *Store) {
		s.collectionPrefix = prefix
	}
}

// WithSystemSession sets the privileged system session ID.
func WithSystemSession(session types.SessionID) Option {
	return func(s *Store) {
		s.systemSession = session
	}
}

// New connects to Firestore. databaseID may be empty for the default
// database.
func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Store, error) {
	var client *firestore.Client
	var err error
	if databaseID == "" {
		client, err = firestore.NewClient(ctx, projectID)
	} else {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("projectID", projectID), goerr.V("databaseID", databaseID))
	}

	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	if s.systemSession == "" {
		s.systemSession = types.SessionID(types.NewCardID())
	}
	return s, nil
}

// SystemSession returns the privileged system session ID.
func (s *Store) SystemSession() types.SessionID {
	return s.systemSession
}

// Close releases the Firestore client.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Store) collection(name string) string {
	if s.collectionPrefix != "" {
		return s.collectionPrefix + "_" + name
	}
	return name
}

func (s *Store) cards() *firestore.CollectionRef {
	return s.client.Collection(s.collection("cards"))
}

func (s *Store) slugIndex() *firestore.CollectionRef {
	return s.client.Collection(s.collection("card_slugs"))
}

type cardDocument struct {
	ID           string              `firestore:"id"`
	Slug         string              `firestore:"slug"`
	SlugVersion  string              `firestore:"slug_version"`
	Type         string              `firestore:"type"`
	TypeBase     string              `firestore:"type_base"`
	Version      string              `firestore:"version"`
	Name         string              `firestore:"name,omitempty"`
	Active       bool                `firestore:"active"`
	Tags         []string            `firestore:"tags"`
	Markers      []string            `firestore:"markers"`
	Links        map[string][]string `firestore:"links,omitempty"`
	Requires     []map[string]any    `firestore:"requires,omitempty"`
	Capabilities []map[string]any    `firestore:"capabilities,omitempty"`
	Data         map[string]any      `firestore:"data"`
	CreatedAt    time.Time           `firestore:"created_at"`
	UpdatedAt    time.Time           `firestore:"updated_at"`
}

func cardToDocument(card *model.Card) *cardDocument {
	doc := &cardDocument{
		ID:           card.ID.String(),
		Slug:         card.Slug.String(),
		SlugVersion:  card.VersionedSlug().String(),
		Type:         card.Type,
		TypeBase:     typeBase(card.Type),
		Version:      card.Version,
		Name:         card.Name,
		Active:       card.Active,
		Tags:         card.Tags,
		Markers:      card.Markers,
		Requires:     card.Requires,
		Capabilities: card.Capabilities,
		Data:         card.Data,
		CreatedAt:    card.CreatedAt,
		UpdatedAt:    card.UpdatedAt,
	}
	if card.Links != nil {
		doc.Links = make(map[string][]string, len(card.Links))
		for name, targets := range card.Links {
			ids := make([]string, len(targets))
			for i, t := range targets {
				ids[i] = t.String()
			}
			doc.Links[name] = ids
		}
	}
	return doc
}

func cardToModel(doc *cardDocument) *model.Card {
	card := &model.Card{
		ID:           types.CardID(doc.ID),
		Slug:         types.Slug(doc.Slug),
		Type:         doc.Type,
		Version:      doc.Version,
		Name:         doc.Name,
		Active:       doc.Active,
		Tags:         doc.Tags,
		Markers:      doc.Markers,
		Requires:     doc.Requires,
		Capabilities: doc.Capabilities,
		Data:         doc.Data,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.Links != nil {
		card.Links = make(map[string][]types.CardID, len(doc.Links))
		for name, targets := range doc.Links {
			ids := make([]types.CardID, len(targets))
			for i, t := range targets {
				ids[i] = types.CardID(t)
			}
			card.Links[name] = ids
		}
	}
	if card.Data == nil {
		card.Data = map[string]any{}
	}
	return card
}

func typeBase(cardType string) string {
	base, _, _ := strings.Cut(cardType, "@")
	return base
}

// resolveSession validates the session and reports whether it is privileged.
func (s *Store) resolveSession(ctx context.Context, session types.SessionID) (bool, error) {
	if err := session.Validate(); err != nil {
		return false, goerr.Wrap(repository.ErrSessionNotFound, "invalid session",
			goerr.V("session", session))
	}
	if session == s.systemSession {
		return true, nil
	}

	snap, err := s.cards().Doc(session.Card().String()).Get(ctx)
	if err != nil {
		return false, goerr.Wrap(repository.ErrSessionNotFound, "unknown session",
			goerr.V("session", session))
	}
	var doc cardDocument
	if err := snap.DataTo(&doc); err != nil {
		return false, goerr.Wrap(err, "failed to decode session card", goerr.V("session", session))
	}
	if doc.Type != model.TypeSession || !doc.Active {
		return false, goerr.Wrap(repository.ErrSessionNotFound, "card is not an active session",
			goerr.V("session", session))
	}
	privileged, _ := doc.Data["privileged"].(bool)
	return privileged, nil
}
