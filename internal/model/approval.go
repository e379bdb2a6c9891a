package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an approval record.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusConsumed ApprovalStatus = "consumed"
)

// Approval gates one guarded mutation. resource_type + resource_id compose
// the identity of the guarded operation (e.g. "playbook_apply" +
// "playbookId:scopeId"). An approval is consumed at most once, and only
// after the guarded mutation has durably succeeded.
type Approval struct {
	ID            uuid.UUID      `json:"id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Status        ApprovalStatus `json:"status"`
	RequestedBy   uuid.UUID      `json:"requested_by"`
	DecidedBy     *uuid.UUID     `json:"decided_by,omitempty"`
	ConsumedAt    *time.Time     `json:"consumed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ResourceTypePlaybookApply guards playbook apply operations.
const ResourceTypePlaybookApply = "playbook_apply"

// ApplyResourceID composes the guarded-operation identity for a playbook
// apply over one scope.
func ApplyResourceID(playbookID uuid.UUID, scopeID string) string {
	return playbookID.String() + ":" + scopeID
}
