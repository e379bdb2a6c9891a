package model

// QuotaStatus is the outcome class of a quota evaluation.
type QuotaStatus string

const (
	QuotaAllowed QuotaStatus = "allowed"
	QuotaWarning QuotaStatus = "warning"
	QuotaBlocked QuotaStatus = "blocked"
)

// QuotaReason explains a quota evaluation outcome.
type QuotaReason string

const (
	QuotaReasonUnlimited            QuotaReason = "unlimited"
	QuotaReasonBelowSoftThreshold   QuotaReason = "below_soft_threshold"
	QuotaReasonSoftThresholdReached QuotaReason = "soft_threshold_reached"
	QuotaReasonHardLimitReached     QuotaReason = "hard_limit_reached"
)

// QuotaEvaluation is the ephemeral result of evaluating a project's
// generation quota. It is derived from the append-only usage ledger and the
// project's plan; it is never persisted.
//
// RemainingRuns and CurrentUsagePercent are nil under an unlimited plan.
type QuotaEvaluation struct {
	Status              QuotaStatus `json:"status"`
	Reason              QuotaReason `json:"reason"`
	RemainingRuns       *int        `json:"remaining_runs,omitempty"`
	CurrentUsagePercent *float64    `json:"current_usage_percent,omitempty"`
}
