package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DraftType tags the shape of a draft item's payload.
type DraftType string

const (
	DraftTypeAnswerBlock DraftType = "answer_block"
	DraftTypeMetaContent DraftType = "meta_content"
	DraftTypeSnippet     DraftType = "snippet"
)

// ValidDraftType reports whether t is a known draft type.
func ValidDraftType(t DraftType) bool {
	switch t {
	case DraftTypeAnswerBlock, DraftTypeMetaContent, DraftTypeSnippet:
		return true
	}
	return false
}

// DraftKind distinguishes preview drafts (one per scope, small sample) from
// full generation drafts (one item per product in scope).
type DraftKind string

const (
	DraftKindPreview DraftKind = "preview"
	DraftKindFull    DraftKind = "full"
)

// Draft is a persisted, not-yet-applied generation artifact. It is immutable
// after creation: item edits live in a separate column on the item and the
// generated payload remains the generation-of-record. Only an explicit apply
// materializes content into the target product.
type Draft struct {
	ID         uuid.UUID   `json:"id"`
	ProjectID  uuid.UUID   `json:"project_id"`
	PlaybookID uuid.UUID   `json:"playbook_id"`
	Kind       DraftKind   `json:"kind"`
	DraftType  DraftType   `json:"draft_type"`
	ScopeID    string      `json:"scope_id"`
	RulesHash  string      `json:"rules_hash"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"` // nil = never expires
	Items      []DraftItem `json:"items,omitempty"`
}

// Expired reports whether the draft's expiry has passed at time now.
func (d Draft) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// DraftItem is one generated artifact within a draft, content-addressed by
// its work key. EditedPayload, when set, is a human revision that apply
// prefers over the generated payload; the generated payload is never
// overwritten. Degraded marks stand-in content produced after a transient
// provider failure; degraded items are never served as cache hits, so the
// next pass for the same work key retries real generation.
type DraftItem struct {
	ID                uuid.UUID    `json:"id"`
	DraftID           uuid.UUID    `json:"draft_id"`
	ItemIndex         int          `json:"item_index"`
	ProductID         *uuid.UUID   `json:"product_id,omitempty"`
	AIWorkKey         string       `json:"ai_work_key"`
	Payload           DraftPayload `json:"payload"`
	EditedPayload     DraftPayload `json:"edited_payload,omitempty"`
	GeneratedWithAI   bool         `json:"generated_with_ai"`
	Degraded          bool         `json:"degraded,omitempty"`
	ReusedFromWorkKey *string      `json:"reused_from_work_key,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// EffectivePayload returns the payload apply should materialize: the edited
// revision when present, otherwise the generated payload.
func (it DraftItem) EffectivePayload() DraftPayload {
	if it.EditedPayload != nil {
		return it.EditedPayload
	}
	return it.Payload
}

// DraftPayload is the closed tagged variant carried by a draft item. The
// concrete shape is selected by the draft type; apply switches exhaustively
// over the variants so adding a type is a compile-time-checked change.
type DraftPayload interface {
	DraftType() DraftType
	Validate() error
}

// AnswerBlockPayload is a question/answer pair (FAQ-style fix).
type AnswerBlockPayload struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (AnswerBlockPayload) DraftType() DraftType { return DraftTypeAnswerBlock }

func (p AnswerBlockPayload) Validate() error {
	if p.Question == "" {
		return fmt.Errorf("answer_block payload: question is required")
	}
	if p.Answer == "" {
		return fmt.Errorf("answer_block payload: answer is required")
	}
	return nil
}

// MetaContentPayload is a title/description pair (metadata fix).
type MetaContentPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (MetaContentPayload) DraftType() DraftType { return DraftTypeMetaContent }

func (p MetaContentPayload) Validate() error {
	if p.Title == "" && p.Description == "" {
		return fmt.Errorf("meta_content payload: title or description is required")
	}
	return nil
}

// SnippetPayload is a free-text content snippet.
type SnippetPayload struct {
	Text string `json:"text"`
}

func (SnippetPayload) DraftType() DraftType { return DraftTypeSnippet }

func (p SnippetPayload) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("snippet payload: text is required")
	}
	return nil
}

// DecodeDraftPayload parses raw JSON into the payload variant for the given
// draft type and validates required fields. This is the only place payload
// JSON is interpreted; everything downstream works with the typed variants.
func DecodeDraftPayload(t DraftType, raw []byte) (DraftPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload for draft type %q", t)
	}
	var payload DraftPayload
	switch t {
	case DraftTypeAnswerBlock:
		var p AnswerBlockPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode answer_block payload: %w", err)
		}
		payload = p
	case DraftTypeMetaContent:
		var p MetaContentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode meta_content payload: %w", err)
		}
		payload = p
	case DraftTypeSnippet:
		var p SnippetPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode snippet payload: %w", err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("unknown draft type %q", t)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
