package sync

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"

	"github.com/deckflow-lab/deckflow/pkg/domain/model"
)

// evalKey marks a template value to be replaced by the result of a path
// expression over earlier import results.
const evalKey = "$eval"

// Expression grammar: "cards[i]" or "cards[i][j]" (parallel step) followed by
// an optional dotted field path into the upserted card.
var evalPattern = regexp.MustCompile(`^cards(\[\d+\]){1,2}(\.[A-Za-z0-9_-]+)*$`)

// RefTable records upsert results by step and segment position so later
// templates can reference them. One table lives exactly as long as one
// ImportCards call. Segments of a parallel step resolve concurrently, so
// the serialized document cache is guarded.
type RefTable struct {
	mu    sync.Mutex
	steps []any
	doc   []byte
	dirty bool
}

// NewRefTable creates an empty table.
func NewRefTable() *RefTable {
	return &RefTable{}
}

// Record stores a result. A single-segment step is addressable as cards[i];
// a parallel step's segments as cards[i][j].
func (r *RefTable) Record(step, segment, stepSize int, card *model.Card) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.steps) <= step {
		r.steps = append(r.steps, nil)
	}
	if stepSize == 1 {
		r.steps[step] = card
	} else {
		slots, ok := r.steps[step].([]*model.Card)
		if !ok {
			slots = make([]*model.Card, stepSize)
		}
		slots[segment] = card
		r.steps[step] = slots
	}
	r.dirty = true
}

func (r *RefTable) document() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doc != nil && !r.dirty {
		return r.doc, nil
	}
	doc, err := json.Marshal(map[string]any{"cards": r.steps})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to serialize reference table")
	}
	r.doc = doc
	r.dirty = false
	return doc, nil
}

// Resolve evaluates one expression against the recorded results. A malformed
// expression and a path that matches nothing are distinct failures, both
// wrapping ErrInvalidTemplate.
func (r *RefTable) Resolve(expr string) (any, error) {
	if !evalPattern.MatchString(expr) {
		return nil, goerr.Wrap(ErrInvalidTemplate, "malformed $eval expression",
			goerr.V("expr", expr), goerr.V("reason", "malformed"))
	}

	doc, err := r.document()
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(doc, toGJSONPath(expr))
	if !result.Exists() || result.Type == gjson.Null {
		return nil, goerr.Wrap(ErrInvalidTemplate, "$eval path matches nothing",
			goerr.V("expr", expr), goerr.V("reason", "missing"))
	}
	return result.Value(), nil
}

// toGJSONPath rewrites "cards[0][1].data.x" into "cards.0.1.data.x".
func toGJSONPath(expr string) string {
	replaced := strings.NewReplacer("[", ".", "]", "").Replace(expr)
	return replaced
}

// Evaluate walks a card template and substitutes every {"$eval": expr} node.
// Containers are copied; the input template is never mutated.
func (r *RefTable) Evaluate(template map[string]any) (map[string]any, error) {
	evaluated, err := r.evaluateValue(template)
	if err != nil {
		return nil, err
	}
	result, ok := evaluated.(map[string]any)
	if !ok {
		return nil, goerr.Wrap(ErrInvalidTemplate, "template root must stay an object")
	}
	return result, nil
}

func (r *RefTable) evaluateValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if expr, ok := evalExpression(v); ok {
			return r.Resolve(expr)
		}
		out := make(map[string]any, len(v))
		for key, nested := range v {
			evaluated, err := r.evaluateValue(nested)
			if err != nil {
				return nil, err
			}
			out[key] = evaluated
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			evaluated, err := r.evaluateValue(nested)
			if err != nil {
				return nil, err
			}
			out[i] = evaluated
		}
		return out, nil

	default:
		return value, nil
	}
}

func evalExpression(node map[string]any) (string, bool) {
	if len(node) != 1 {
		return "", false
	}
	raw, ok := node[evalKey]
	if !ok {
		return "", false
	}
	expr, ok := raw.(string)
	return expr, ok
}
