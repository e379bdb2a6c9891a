// Package generator produces draft content payloads, either via an external
// AI provider or a deterministic placeholder fallback.
package generator

import (
	"context"
	"errors"
	"fmt"

	"github.com/storewise-ai/storewise/internal/model"
)

// ErrExhausted signals that the provider refused further work for capacity
// or billing reasons. Unlike a transient failure it aborts the whole
// generation pass; per-item placeholder fallback would silently burn the
// rest of the batch.
var ErrExhausted = errors.New("generator: provider capacity exhausted")

// Request describes one unit of content generation.
type Request struct {
	DraftType model.DraftType
	Product   model.Product
	Rules     map[string]any
}

// Generator produces a draft payload for a request. Implementations must be
// safe for concurrent use; generation passes fan out across items.
type Generator interface {
	// Generate returns a payload matching req.DraftType.
	Generate(ctx context.Context, req Request) (model.DraftPayload, error)
	// Name identifies the provider in logs and run metadata.
	Name() string
}

// Placeholder produces deterministic template content without calling any
// provider. It backs the "noop" provider setting and serves as the per-item
// fallback when a real provider fails transiently.
type Placeholder struct{}

// NewPlaceholder creates a placeholder generator.
func NewPlaceholder() *Placeholder {
	return &Placeholder{}
}

func (*Placeholder) Name() string { return "placeholder" }

// Generate builds template content from the product's own fields, so output
// is stable for a given product.
func (*Placeholder) Generate(_ context.Context, req Request) (model.DraftPayload, error) {
	title := req.Product.Title
	if title == "" {
		title = req.Product.Handle
	}
	switch req.DraftType {
	case model.DraftTypeAnswerBlock:
		return model.AnswerBlockPayload{
			Question: fmt.Sprintf("What is %s?", title),
			Answer:   fmt.Sprintf("%s is available in our store. See the product page for details.", title),
		}, nil
	case model.DraftTypeMetaContent:
		desc := req.Product.Description
		if desc == "" {
			desc = fmt.Sprintf("Shop %s online.", title)
		}
		return model.MetaContentPayload{
			Title:       title,
			Description: desc,
		}, nil
	case model.DraftTypeSnippet:
		return model.SnippetPayload{
			Text: fmt.Sprintf("Discover %s.", title),
		}, nil
	default:
		return nil, fmt.Errorf("generator: unknown draft type %q", req.DraftType)
	}
}
