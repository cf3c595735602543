// Package github is the reference integration: it translates GitHub issue
// webhooks into card sequences and mirrors comment cards back out through
// the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	deckflowsync "github.com/deckflow-lab/deckflow/pkg/sync"
)

// Provider is the registry key and the value of data.provider on external
// event cards this integration handles.
const Provider = "github"

const defaultAPIBaseURL = "https://api.github.com"

// Definition registers the integration with a sync engine.
func Definition() interfaces.IntegrationDefinition {
	return interfaces.IntegrationDefinition{
		Provider:     Provider,
		New:          New,
		OAuthBaseURL: "https://github.com/login/oauth",
		OAuthScopes:  []string{"repo"},
	}
}

// Integration adapts GitHub issues and comments to the card model.
type Integration struct {
	opts    interfaces.IntegrationOptions
	baseURL string
}

var _ interfaces.Integration = (*Integration)(nil)

// New builds one instance for a single invocation.
func New(opts interfaces.IntegrationOptions) interfaces.Integration {
	return &Integration{
		opts:    opts,
		baseURL: defaultAPIBaseURL,
	}
}

func (x *Integration) Initialize(ctx context.Context) error {
	return nil
}

func (x *Integration) Destroy(ctx context.Context) error {
	return nil
}

// Translate turns an issue webhook into a two-step sequence: the repository
// card first, then the issue card referencing it.
func (x *Integration) Translate(ctx context.Context, event *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	payload, ok := event.Data["payload"].(string)
	if !ok || payload == "" {
		return nil, goerr.Wrap(deckflowsync.ErrInvalidEvent, "event has no webhook payload",
			goerr.V("event", event.Slug))
	}
	doc := gjson.Parse(payload)

	repoName := doc.Get("repository.full_name").String()
	issueNumber := doc.Get("issue.number").Int()
	if repoName == "" || issueNumber == 0 {
		return nil, goerr.Wrap(deckflowsync.ErrInvalidEvent, "payload is not an issue event",
			goerr.V("event", event.Slug))
	}

	now := time.Now()
	repoSlug := slugify(repoName)

	repoCard := map[string]any{
		"slug": repoSlug,
		"type": "repository@1.0.0",
		"name": repoName,
		"data": map[string]any{
			"provider": Provider,
			"mirror": map[string]any{
				Provider: map[string]any{
					"id": doc.Get("repository.id").String(),
				},
			},
		},
	}
	issueCard := map[string]any{
		"slug": fmt.Sprintf("%s-issue-%d", repoSlug, issueNumber),
		"type": "issue@1.0.0",
		"name": doc.Get("issue.title").String(),
		"data": map[string]any{
			"provider":   Provider,
			"repository": map[string]any{"$eval": "cards[0].id"},
			"state":      doc.Get("issue.state").String(),
			"body":       doc.Get("issue.body").String(),
			"mirror": map[string]any{
				Provider: map[string]any{
					"id": doc.Get("issue.id").String(),
				},
			},
		},
	}

	return model.Sequence{
		model.Single(&model.Segment{Time: now, Actor: opts.Actor, Card: repoCard}),
		model.Single(&model.Segment{Time: now, Actor: opts.Actor, Card: issueCard}),
	}, nil
}

// Mirror posts a comment card to its issue on GitHub and hands back a
// one-segment sequence that stamps the created comment's ID onto the card.
func (x *Integration) Mirror(ctx context.Context, card *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	repoName, _ := card.Data["repository"].(string)
	body, _ := card.Data["body"].(string)
	issueNumber, issueOK := numericData(card.Data["issue_number"])
	if repoName == "" || !issueOK {
		return nil, goerr.Wrap(deckflowsync.ErrInvalidType, "card is not a mirrorable comment",
			goerr.V("card", card.Slug))
	}

	reqBody, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to serialize comment")
	}
	resp, err := x.opts.Context.Request(ctx, &interfaces.HTTPRequest{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/repos/%s/issues/%d/comments", x.baseURL, repoName, issueNumber),
		Header: http.Header{
			"Accept":       []string{"application/vnd.github+json"},
			"Content-Type": []string{"application/json"},
		},
		Body: reqBody,
	})
	if err != nil {
		return nil, err
	}

	commentID := gjson.GetBytes(resp.Body, "id").String()

	// Carry the card's existing data forward so the diff-based upsert only
	// adds the mirror entry.
	data := card.Clone().Data
	data["mirror"] = map[string]any{
		Provider: map[string]any{
			"id":        commentID,
			"synced_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	updated := map[string]any{
		"slug": card.Slug.String(),
		"type": card.Type,
		"name": card.Name,
		"data": data,
	}
	return model.Sequence{
		model.Single(&model.Segment{Time: time.Now(), Actor: opts.Actor, Card: updated}),
	}, nil
}

func numericData(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		parsed, err := n.Int64()
		return parsed, err == nil
	}
	return 0, false
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
