package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state.json")
	return New(path), path
}

func TestNewWithMissingFile(t *testing.T) {
	tracker, _ := newTestTracker(t)

	assert.Equal(t, 0, tracker.CurrentBatch())
	assert.False(t, tracker.IsProcessed(1))
	assert.Empty(t, tracker.ActiveIssueNumbers())
}

func TestNewWithCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	// Corrupt state degrades to defaults rather than failing startup.
	tracker := New(path)
	assert.Equal(t, 0, tracker.CurrentBatch())

	// A save from the recovered tracker replaces the corrupt file.
	require.NoError(t, tracker.MarkIssue(1, IssueSuccess))
	assert.True(t, New(path).IsProcessed(1))
}

// Retry semantics: only success counts as processed.
func TestIsProcessedOnlyOnSuccess(t *testing.T) {
	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.MarkIssue(7, IssueInProgress))
	assert.False(t, tracker.IsProcessed(7))

	require.NoError(t, tracker.MarkIssue(7, IssueFailed))
	assert.False(t, tracker.IsProcessed(7), "failed must be retried, never treated as done")

	require.NoError(t, tracker.MarkIssue(7, IssueSuccess))
	assert.True(t, tracker.IsProcessed(7))
}

func TestRoundTrip(t *testing.T) {
	tracker, path := newTestTracker(t)

	require.NoError(t, tracker.MarkIssue(1, IssueSuccess))
	require.NoError(t, tracker.MarkIssue(2, IssueFailed))
	require.NoError(t, tracker.SetWorktree(2, "/tmp/wt/2"))
	require.NoError(t, tracker.SetBranch(2, "issue-2"))
	require.NoError(t, tracker.MarkPR(10, "approved"))
	require.NoError(t, tracker.SetHitlOrigin(3, "pilot:review"))
	require.NoError(t, tracker.SetHitlCause(3, "merge conflict on rebase"))
	_, err := tracker.IncrementIssueAttempts(2)
	require.NoError(t, err)
	_, err = tracker.IncrementReviewAttempts(2)
	require.NoError(t, err)
	_, err = tracker.IncrementConflictAttempts(3)
	require.NoError(t, err)
	require.NoError(t, tracker.SetWorkerResultMeta(2, map[string]any{"fix_rounds": float64(3), "last_error": "lint"}))
	require.NoError(t, tracker.SetActiveIssueNumbers([]int{2, 3}))
	_, err = tracker.NextBatch()
	require.NoError(t, err)
	require.NoError(t, tracker.RecordIssueCompleted(12.5))
	require.NoError(t, tracker.RecordHitlEscalation())
	require.NoError(t, tracker.MarkThresholdFired(ThresholdHitl))

	// A fresh instance reading the same file reproduces every field.
	reloaded := New(path)

	assert.True(t, reloaded.IsProcessed(1))
	status, ok := reloaded.IssueStatusFor(2)
	require.True(t, ok)
	assert.Equal(t, IssueFailed, status)

	wt, ok := reloaded.Worktree(2)
	require.True(t, ok)
	assert.Equal(t, "/tmp/wt/2", wt)

	branch, ok := reloaded.Branch(2)
	require.True(t, ok)
	assert.Equal(t, "issue-2", branch)

	prStatus, ok := reloaded.PRStatus(10)
	require.True(t, ok)
	assert.Equal(t, "approved", prStatus)

	origin, ok := reloaded.HitlOrigin(3)
	require.True(t, ok)
	assert.Equal(t, "pilot:review", origin)

	cause, ok := reloaded.HitlCause(3)
	require.True(t, ok)
	assert.Equal(t, "merge conflict on rebase", cause)

	assert.Equal(t, 1, reloaded.IssueAttempts(2))
	assert.Equal(t, 1, reloaded.ReviewAttempts(2))
	assert.Equal(t, 1, reloaded.ConflictAttempts(3))

	meta, ok := reloaded.WorkerResultMeta(2)
	require.True(t, ok)
	assert.Equal(t, float64(3), meta["fix_rounds"])
	assert.Equal(t, "lint", meta["last_error"])

	assert.ElementsMatch(t, []int{2, 3}, reloaded.ActiveIssueNumbers())
	assert.Equal(t, 1, reloaded.CurrentBatch())

	stats := reloaded.LifetimeStats()
	assert.Equal(t, 1, stats.IssuesCompleted)
	assert.Equal(t, 1, stats.HitlEscalations)
	assert.Equal(t, 12.5, stats.TotalDurationSec)
	assert.True(t, reloaded.IsThresholdFired(ThresholdHitl))
}

// Atomic persistence: a failed save leaves the on-disk file byte-identical
// to its pre-call content and leaves no temp file behind.
func TestSaveFailureLeavesFileUntouched(t *testing.T) {
	tracker, path := newTestTracker(t)
	require.NoError(t, tracker.MarkIssue(1, IssueSuccess))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Channels are not JSON-serializable, forcing the save to fail before
	// any file operation is attempted.
	err = tracker.SetWorkerResultMeta(2, map[string]any{"bad": make(chan int)})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "on-disk state must be byte-identical after failed save")

	assertNoTempFiles(t, filepath.Dir(path))
}

func TestSaveRenameFailureRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	// A non-empty directory at the target path makes the final rename fail.
	target := filepath.Join(dir, "state.json")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "blocker"), 0755))

	s := newPipelineState()
	err := saveState(target, &s)
	require.Error(t, err)

	assertNoTempFiles(t, dir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp", "temp file left behind: %s", entry.Name())
	}
}

func TestResetPreservesLifetimeStats(t *testing.T) {
	tracker, path := newTestTracker(t)

	require.NoError(t, tracker.MarkIssue(1, IssueSuccess))
	require.NoError(t, tracker.SetHitlOrigin(2, "pilot:work"))
	require.NoError(t, tracker.SetActiveIssueNumbers([]int{1, 2}))
	_, err := tracker.IncrementIssueAttempts(1)
	require.NoError(t, err)
	require.NoError(t, tracker.RecordIssueCompleted(5))
	require.NoError(t, tracker.MarkThresholdFired(ThresholdQualityFix))

	require.NoError(t, tracker.Reset())

	// Per-run state cleared.
	assert.False(t, tracker.IsProcessed(1))
	_, ok := tracker.HitlOrigin(2)
	assert.False(t, ok)
	assert.Empty(t, tracker.ActiveIssueNumbers())
	assert.Equal(t, 0, tracker.IssueAttempts(1))

	// Lifetime stats and fired thresholds survive the reset, on disk too.
	reloaded := New(path)
	assert.Equal(t, 1, reloaded.LifetimeStats().IssuesCompleted)
	assert.True(t, reloaded.IsThresholdFired(ThresholdQualityFix))
}

// Idempotent marking: firing twice leaves the set containing the name once.
func TestMarkThresholdFiredIdempotent(t *testing.T) {
	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.MarkThresholdFired(ThresholdApproval))
	require.NoError(t, tracker.MarkThresholdFired(ThresholdApproval))

	stats := tracker.LifetimeStats()
	assert.Len(t, stats.FiredThresholds, 1)
	assert.True(t, stats.FiredThresholds[ThresholdApproval])

	require.NoError(t, tracker.ClearThresholdFired(ThresholdApproval))
	assert.False(t, tracker.IsThresholdFired(ThresholdApproval))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tracker, _ := newTestTracker(t)
	require.NoError(t, tracker.MarkIssue(1, IssueSuccess))

	snapshot := tracker.Snapshot()
	snapshot.ProcessedIssues[1] = IssueFailed
	snapshot.ProcessedIssues[99] = IssueSuccess

	assert.True(t, tracker.IsProcessed(1))
	assert.False(t, tracker.IsProcessed(99))
}
