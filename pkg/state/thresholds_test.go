package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeIssues(t *testing.T, tracker *Tracker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, tracker.RecordIssueCompleted(1))
	}
}

func TestCheckThresholdsBelowMinimumIssues(t *testing.T) {
	tracker := New(filepath.Join(t.TempDir(), "state.json"))

	completeIssues(t, tracker, minIssuesForThresholds-1)
	require.NoError(t, tracker.RecordQualityFixRounds(100))

	proposals, err := tracker.CheckThresholds(1.0, 0.5, 0.3)
	require.NoError(t, err)
	assert.Empty(t, proposals, "rates are not actionable before the issue floor")
}

func TestCheckThresholdsFiresOncePerCrossing(t *testing.T) {
	tracker := New(filepath.Join(t.TempDir(), "state.json"))

	completeIssues(t, tracker, 5)
	require.NoError(t, tracker.RecordQualityFixRounds(20)) // 4 rounds per issue

	proposals, err := tracker.CheckThresholds(2.0, 0.0, 100.0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ThresholdQualityFix, proposals[0].Name)
	assert.Equal(t, ProposalCrossed, proposals[0].Kind)
	assert.InDelta(t, 4.0, proposals[0].Value, 0.001)

	// Still above the bound: no re-fire.
	proposals, err = tracker.CheckThresholds(2.0, 0.0, 100.0)
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestCheckThresholdsRecovery(t *testing.T) {
	tracker := New(filepath.Join(t.TempDir(), "state.json"))

	completeIssues(t, tracker, 5)
	require.NoError(t, tracker.RecordQualityFixRounds(20))

	proposals, err := tracker.CheckThresholds(2.0, 0.0, 100.0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	// More completed issues dilute the rate below the bound.
	completeIssues(t, tracker, 15) // 20 rounds / 20 issues = 1.0

	proposals, err = tracker.CheckThresholds(2.0, 0.0, 100.0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ProposalRecovered, proposals[0].Kind)
	assert.False(t, tracker.IsThresholdFired(ThresholdQualityFix))

	// Recovered thresholds are eligible to fire again.
	require.NoError(t, tracker.RecordQualityFixRounds(80)) // 100 / 20 = 5.0
	proposals, err = tracker.CheckThresholds(2.0, 0.0, 100.0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ProposalCrossed, proposals[0].Kind)
}

func TestCheckThresholdsLowApprovalRate(t *testing.T) {
	tracker := New(filepath.Join(t.TempDir(), "state.json"))

	completeIssues(t, tracker, 5)
	require.NoError(t, tracker.RecordReviewVerdict(true))
	require.NoError(t, tracker.RecordReviewVerdict(false))
	require.NoError(t, tracker.RecordReviewVerdict(false))
	require.NoError(t, tracker.RecordReviewVerdict(false)) // 25% approval

	proposals, err := tracker.CheckThresholds(100.0, 0.5, 100.0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ThresholdApproval, proposals[0].Name)
	assert.Equal(t, ProposalCrossed, proposals[0].Kind)
	assert.InDelta(t, 0.25, proposals[0].Value, 0.001)
}

func TestCheckThresholdsHitlRate(t *testing.T) {
	tracker := New(filepath.Join(t.TempDir(), "state.json"))

	completeIssues(t, tracker, 10)
	for i := 0; i < 4; i++ {
		require.NoError(t, tracker.RecordHitlEscalation()) // 0.4 per issue
	}

	proposals, err := tracker.CheckThresholds(100.0, 0.0, 0.3)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ThresholdHitl, proposals[0].Name)
	assert.Contains(t, proposals[0].Message, "HITL escalations")
}

func TestCheckThresholdsPersistsFiredSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tracker := New(path)

	completeIssues(t, tracker, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.RecordHitlEscalation())
	}

	proposals, err := tracker.CheckThresholds(100.0, 0.0, 0.3)
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	// A restarted process must not re-propose the same threshold.
	reloaded := New(path)
	proposals, err = reloaded.CheckThresholds(100.0, 0.0, 0.3)
	require.NoError(t, err)
	assert.Empty(t, proposals)
}
