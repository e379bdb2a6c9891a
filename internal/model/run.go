// Package model defines the core domain types for Storewise.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible; the one deliberate exception is the tagged draft payload variant
// in draft.go.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunType classifies a unit of orchestrated playbook work.
type RunType string

const (
	RunTypePreviewGenerate RunType = "preview_generate"
	RunTypeDraftGenerate   RunType = "draft_generate"
	RunTypeApply           RunType = "apply"
)

// ValidRunType reports whether t is a known run type.
func ValidRunType(t RunType) bool {
	switch t {
	case RunTypePreviewGenerate, RunTypeDraftGenerate, RunTypeApply:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a run.
// queued and running are non-terminal; succeeded and failed are terminal
// and immutable thereafter.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is a tracked unit of (possibly asynchronous) playbook work.
//
// At most one run per idempotency key may exist in a non-failed state; a
// prior failed run never blocks recreation. The uniqueness is enforced by a
// partial unique index in Postgres, not by application locking.
type Run struct {
	ID              uuid.UUID      `json:"id"`
	ProjectID       uuid.UUID      `json:"project_id"`
	PlaybookID      uuid.UUID      `json:"playbook_id"`
	RunType         RunType        `json:"run_type"`
	ScopeID         string         `json:"scope_id"`
	RulesHash       string         `json:"rules_hash"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Status          RunStatus      `json:"status"`
	FailureReason   *string        `json:"failure_reason,omitempty"`
	CreatedByUserID uuid.UUID      `json:"created_by_user_id"`
	Meta            map[string]any `json:"meta"`
	Attempts        int            `json:"attempts"`
	LockedUntil     *time.Time     `json:"locked_until,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// DefaultIdempotencyKey builds the dedup key used when the caller supplies
// none: runType:projectId:playbookId:scopeId:rulesHash.
func DefaultIdempotencyKey(runType RunType, projectID, playbookID uuid.UUID, scopeID, rulesHash string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", runType, projectID, playbookID, scopeID, rulesHash)
}
