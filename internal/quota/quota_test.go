package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storewise-ai/storewise/internal/model"
)

func intPtr(v int) *int { return &v }

func TestDecideUnlimited(t *testing.T) {
	eval := Decide(nil, 1_000_000, 80, true)

	assert.Equal(t, model.QuotaAllowed, eval.Status)
	assert.Equal(t, model.QuotaReasonUnlimited, eval.Reason)
	assert.Nil(t, eval.RemainingRuns)
	assert.Nil(t, eval.CurrentUsagePercent)
}

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		used       int
		hard       bool
		wantStatus model.QuotaStatus
		wantReason model.QuotaReason
	}{
		{"well below threshold", 100, 10, true, model.QuotaAllowed, model.QuotaReasonBelowSoftThreshold},
		{"just below threshold", 100, 79, true, model.QuotaAllowed, model.QuotaReasonBelowSoftThreshold},
		{"at threshold", 100, 80, true, model.QuotaWarning, model.QuotaReasonSoftThresholdReached},
		{"between threshold and limit", 100, 99, true, model.QuotaWarning, model.QuotaReasonSoftThresholdReached},
		{"at limit hard", 100, 100, true, model.QuotaBlocked, model.QuotaReasonHardLimitReached},
		{"over limit hard", 100, 150, true, model.QuotaBlocked, model.QuotaReasonHardLimitReached},
		{"at limit soft", 100, 100, false, model.QuotaWarning, model.QuotaReasonSoftThresholdReached},
		{"over limit soft", 100, 150, false, model.QuotaWarning, model.QuotaReasonSoftThresholdReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := Decide(intPtr(tt.limit), tt.used, 80, tt.hard)

			assert.Equal(t, tt.wantStatus, eval.Status)
			assert.Equal(t, tt.wantReason, eval.Reason)
		})
	}
}

func TestDecideRemainingNeverNegative(t *testing.T) {
	eval := Decide(intPtr(100), 150, 80, false)

	require.NotNil(t, eval.RemainingRuns)
	assert.Equal(t, 0, *eval.RemainingRuns)
	require.NotNil(t, eval.CurrentUsagePercent)
	assert.Equal(t, 100.0, *eval.CurrentUsagePercent)
}

func TestDecideStatusMonotonicInUsage(t *testing.T) {
	rank := map[model.QuotaStatus]int{
		model.QuotaAllowed: 0,
		model.QuotaWarning: 1,
		model.QuotaBlocked: 2,
	}
	prev := -1
	for used := 0; used <= 120; used++ {
		eval := Decide(intPtr(100), used, 80, true)
		cur := rank[eval.Status]
		require.GreaterOrEqual(t, cur, prev, "status regressed at used=%d", used)
		prev = cur
	}
}

func TestDecideZeroLimitHardBlocksImmediately(t *testing.T) {
	eval := Decide(intPtr(0), 0, 80, true)

	assert.Equal(t, model.QuotaBlocked, eval.Status)
	assert.Equal(t, model.QuotaReasonHardLimitReached, eval.Reason)
}

func TestDecidePercent(t *testing.T) {
	eval := Decide(intPtr(200), 50, 80, false)

	require.NotNil(t, eval.CurrentUsagePercent)
	assert.Equal(t, 25.0, *eval.CurrentUsagePercent)
	require.NotNil(t, eval.RemainingRuns)
	assert.Equal(t, 150, *eval.RemainingRuns)
}
