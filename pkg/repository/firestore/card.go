package firestore

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/firestore"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/repository"
)

// Card types only privileged sessions may write.
var protectedTypes = map[string]bool{
	model.TypeActionRequest: true,
	model.TypeExecution:     true,
	model.TypeLink:          true,
	model.TypeSession:       true,
}

type slugIndexDocument struct {
	CardID string `firestore:"card_id"`
}

func (s *Store) InsertCard(ctx context.Context, session types.SessionID, card *model.Card) (*model.Card, error) {
	if err := card.Validate(); err != nil {
		return nil, err
	}
	privileged, err := s.resolveSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if protectedTypes[card.Type] && !privileged {
		return nil, goerr.Wrap(repository.ErrPermissionDenied, "protected card type",
			goerr.V("type", card.Type), goerr.V("session", session))
	}

	stored := card.Clone()
	if stored.ID == "" {
		stored.ID = types.NewCardID()
	}
	if stored.Version == "" {
		stored.Version = types.DefaultVersion
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	slugRef := s.slugIndex().Doc(stored.VersionedSlug().String())
	cardRef := s.cards().Doc(stored.ID.String())

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(slugRef); err == nil {
			return goerr.Wrap(repository.ErrAlreadyExists, "slug collision",
				goerr.V("slug", stored.VersionedSlug().String()))
		} else if status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to read slug index")
		}
		if err := tx.Create(cardRef, cardToDocument(stored)); err != nil {
			return goerr.Wrap(err, "failed to create card document", goerr.V("id", stored.ID))
		}
		if err := tx.Create(slugRef, &slugIndexDocument{CardID: stored.ID.String()}); err != nil {
			return goerr.Wrap(err, "failed to create slug index", goerr.V("id", stored.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetCardByID(ctx context.Context, session types.SessionID, id types.CardID) (*model.Card, error) {
	if _, err := s.resolveSession(ctx, session); err != nil {
		return nil, err
	}

	snap, err := s.cards().Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(repository.ErrNotFound, "no card with ID", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get card", goerr.V("id", id))
	}

	var doc cardDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode card", goerr.V("id", id))
	}
	return cardToModel(&doc), nil
}

func (s *Store) GetCardBySlug(ctx context.Context, session types.SessionID, slug types.VersionedSlug) (*model.Card, error) {
	if _, err := s.resolveSession(ctx, session); err != nil {
		return nil, err
	}

	snap, err := s.slugIndex().Doc(slug.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(repository.ErrNotFound, "no card with slug",
				goerr.V("slug", slug.String()))
		}
		return nil, goerr.Wrap(err, "failed to read slug index", goerr.V("slug", slug.String()))
	}
	var idx slugIndexDocument
	if err := snap.DataTo(&idx); err != nil {
		return nil, goerr.Wrap(err, "failed to decode slug index", goerr.V("slug", slug.String()))
	}
	return s.GetCardByID(ctx, session, types.CardID(idx.CardID))
}

func (s *Store) buildQuery(filter *interfaces.CardFilter) firestore.Query {
	q := s.cards().Query
	if filter == nil {
		return q
	}
	if filter.Type != "" {
		if base := typeBase(filter.Type); base == filter.Type {
			q = q.Where("type_base", "==", base)
		} else {
			q = q.Where("type", "==", filter.Type)
		}
	}
	if filter.Slug != "" {
		q = q.Where("slug", "==", filter.Slug.String())
	}
	for path, value := range filter.Data {
		q = q.Where("data."+path, "==", value)
	}
	if filter.OrderByDataDesc != "" {
		q = q.OrderBy("data."+filter.OrderByDataDesc, firestore.Desc)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return q
}

func (s *Store) Query(ctx context.Context, session types.SessionID, filter *interfaces.CardFilter) ([]*model.Card, error) {
	if _, err := s.resolveSession(ctx, session); err != nil {
		return nil, err
	}

	iter := s.buildQuery(filter).Documents(ctx)
	defer iter.Stop()

	var cards []*model.Card
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate cards")
		}
		var doc cardDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode card", goerr.V("doc", snap.Ref.ID))
		}
		cards = append(cards, cardToModel(&doc))
	}
	return cards, nil
}

func (s *Store) PatchCard(ctx context.Context, session types.SessionID, id types.CardID, patch []byte) (*model.Card, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, goerr.Wrap(repository.ErrPatchFailed, "malformed patch document", goerr.V("id", id))
	}

	privileged, err := s.resolveSession(ctx, session)
	if err != nil {
		return nil, err
	}

	ref := s.cards().Doc(id.String())
	var updated *model.Card

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(repository.ErrNotFound, "no card with ID", goerr.V("id", id))
			}
			return goerr.Wrap(err, "failed to get card", goerr.V("id", id))
		}
		var doc cardDocument
		if err := snap.DataTo(&doc); err != nil {
			return goerr.Wrap(err, "failed to decode card", goerr.V("id", id))
		}
		card := cardToModel(&doc)
		if protectedTypes[card.Type] && !privileged {
			return goerr.Wrap(repository.ErrPermissionDenied, "protected card type",
				goerr.V("type", card.Type), goerr.V("session", session))
		}

		raw, err := json.Marshal(card)
		if err != nil {
			return goerr.Wrap(err, "failed to serialize card", goerr.V("id", id))
		}
		patched, err := decoded.Apply(raw)
		if err != nil {
			return goerr.Wrap(repository.ErrPatchFailed, err.Error(), goerr.V("id", id))
		}
		var next model.Card
		if err := json.Unmarshal(patched, &next); err != nil {
			return goerr.Wrap(repository.ErrPatchFailed, "patch result is not a card", goerr.V("id", id))
		}

		// Immutable fields survive any patch.
		next.ID = card.ID
		next.Slug = card.Slug
		next.Version = card.Version
		next.Type = card.Type
		next.CreatedAt = card.CreatedAt
		next.UpdatedAt = time.Now().UTC()

		if err := tx.Set(ref, cardToDocument(&next)); err != nil {
			return goerr.Wrap(err, "failed to write patched card", goerr.V("id", id))
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) AttachLink(ctx context.Context, session types.SessionID, name string, from, to types.CardID) error {
	privileged, err := s.resolveSession(ctx, session)
	if err != nil {
		return err
	}
	if !privileged {
		return goerr.Wrap(repository.ErrPermissionDenied, "links require a privileged session",
			goerr.V("session", session))
	}

	fromRef := s.cards().Doc(from.String())
	toRef := s.cards().Doc(to.String())

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(fromRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(repository.ErrNotFound, "link source not found", goerr.V("id", from))
			}
			return goerr.Wrap(err, "failed to get link source", goerr.V("id", from))
		}
		if _, err := tx.Get(toRef); err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(repository.ErrNotFound, "link target not found", goerr.V("id", to))
			}
			return goerr.Wrap(err, "failed to get link target", goerr.V("id", to))
		}

		var doc cardDocument
		if err := snap.DataTo(&doc); err != nil {
			return goerr.Wrap(err, "failed to decode link source", goerr.V("id", from))
		}
		if doc.Links == nil {
			doc.Links = make(map[string][]string)
		}
		doc.Links[name] = append(doc.Links[name], to.String())
		doc.UpdatedAt = time.Now().UTC()

		return tx.Set(fromRef, &doc)
	})
}
