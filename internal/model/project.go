package model

import (
	"time"

	"github.com/google/uuid"
)

// Project is a tenant: one storefront under optimization. Runs, drafts, and
// approvals are all owned by a project.
type Project struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	Plan             string    `json:"plan"`
	RunLimit         *int      `json:"run_limit,omitempty"` // nil = unlimited (plan override possible)
	SoftThresholdPct float64   `json:"soft_threshold_pct"`
	HardEnforcement  bool      `json:"hard_enforcement"`
	RequireApproval  bool      `json:"require_approval"`
	StripeCustomerID *string   `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// User is an authenticated human operator. API keys are stored as Argon2id
// hashes; the plaintext is shown once at creation.
type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProjectMember binds a user to a project with a role.
type ProjectMember struct {
	ProjectID uuid.UUID   `json:"project_id"`
	UserID    uuid.UUID   `json:"user_id"`
	Role      ProjectRole `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

// Playbook is a named, configurable automated-fix recipe. Rules are the
// configuration parameters governing what the playbook suggests; their
// fingerprint (rules hash) scopes drafts and runs.
type Playbook struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID uuid.UUID      `json:"project_id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	DraftType DraftType      `json:"draft_type"`
	Rules     map[string]any `json:"rules"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Product is a target domain object drafts are applied to.
type Product struct {
	ID           uuid.UUID            `json:"id"`
	ProjectID    uuid.UUID            `json:"project_id"`
	Handle       string               `json:"handle"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	AnswerBlocks []AnswerBlockPayload `json:"answer_blocks"`
	Snippets     []string             `json:"snippets"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Application records one materialized draft item: which item was written
// into which product, by whom, when.
type Application struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	DraftID     uuid.UUID `json:"draft_id"`
	DraftItemID uuid.UUID `json:"draft_item_id"`
	ProductID   uuid.UUID `json:"product_id"`
	AppliedBy   uuid.UUID `json:"applied_by"`
	AppliedAt   time.Time `json:"applied_at"`
}
