package storewise

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrGeneratorExhausted signals that the AI provider is out of capacity or
// credits. A ContentGenerator returning it (wrapped or bare) aborts the
// whole generation pass instead of falling back item by item.
var ErrGeneratorExhausted = errors.New("storewise: generator capacity exhausted")

// Product is the slice of catalog data a generator sees for one item.
// It mirrors the internal product type so external consumers do not import
// internal packages.
type Product struct {
	Handle      string
	Title       string
	Description string
}

// ContentRequest describes one unit of content generation.
type ContentRequest struct {
	// DraftType is one of "answer_block", "meta_content", "snippet".
	DraftType string
	Product   Product
	// Rules are the playbook's configuration parameters.
	Rules map[string]any
}

// ContentGenerator produces drafted content for one product.
// When provided via WithGenerator, it replaces the built-in OpenAI or
// placeholder provider. The returned JSON must match the draft type's
// payload shape; it is validated before persistence.
type ContentGenerator interface {
	Generate(ctx context.Context, req ContentRequest) (json.RawMessage, error)
	Name() string
}
