// Package state provides the durable pipeline state tracker. The tracker is
// the sole authority for persisted pipeline state: every mutating accessor
// performs an atomic, crash-safe persist before returning, so the in-memory
// copy and the on-disk copy never diverge after a successful call.
package state

import (
	"sync"
	"time"

	"issuepilot/pkg/logx"
)

// IssueStatus is the processing status of an issue within the current run.
type IssueStatus string

const (
	IssueInProgress IssueStatus = "in_progress"
	IssueSuccess    IssueStatus = "success"
	IssueFailed     IssueStatus = "failed"
)

// LifetimeStats accumulates across runs; Reset never clears it.
type LifetimeStats struct {
	IssuesCompleted  int             `json:"issues_completed"`
	PRsMerged        int             `json:"prs_merged"`
	QualityFixRounds int             `json:"quality_fix_rounds"`
	HitlEscalations  int             `json:"hitl_escalations"`
	ReviewApprovals  int             `json:"review_approvals"`
	ReviewRejections int             `json:"review_rejections"`
	TotalDurationSec float64         `json:"total_duration_sec"`
	FiredThresholds  map[string]bool `json:"fired_thresholds"`
}

// PipelineState is the full durable record. Maps are keyed by issue or PR
// number in memory; key coercion to strings happens only at the persistence
// boundary (see persist.go).
type PipelineState struct {
	CurrentBatch       int
	ProcessedIssues    map[int]IssueStatus
	ActiveWorktrees    map[int]string
	ActiveBranches     map[int]string
	ReviewedPRs        map[int]string
	HitlOrigins        map[int]string
	HitlCauses         map[int]string
	ReviewAttempts     map[int]int
	IssueAttempts      map[int]int
	ConflictAttempts   map[int]int
	WorkerResultMeta   map[int]map[string]any
	ActiveIssueNumbers map[int]bool
	Lifetime           LifetimeStats
	LastUpdated        time.Time
}

func newPipelineState() PipelineState {
	return PipelineState{
		ProcessedIssues:    make(map[int]IssueStatus),
		ActiveWorktrees:    make(map[int]string),
		ActiveBranches:     make(map[int]string),
		ReviewedPRs:        make(map[int]string),
		HitlOrigins:        make(map[int]string),
		HitlCauses:         make(map[int]string),
		ReviewAttempts:     make(map[int]int),
		IssueAttempts:      make(map[int]int),
		ConflictAttempts:   make(map[int]int),
		WorkerResultMeta:   make(map[int]map[string]any),
		ActiveIssueNumbers: make(map[int]bool),
		Lifetime: LifetimeStats{
			FiredThresholds: make(map[string]bool),
		},
	}
}

// Tracker owns PipelineState: single writer, safe for concurrent callers.
type Tracker struct {
	mu     sync.Mutex
	state  PipelineState
	path   string
	logger *logx.Logger
}

// New loads the tracker from path. A missing, unreadable, or corrupt state
// file degrades silently to defaults (logged, never raised) so a crashed
// process can always restart.
func New(path string) *Tracker {
	t := &Tracker{
		path:   path,
		logger: logx.NewLogger("state"),
	}

	loaded, err := loadState(path)
	if err != nil {
		t.logger.Warn("falling back to default state: %v", err)
		t.state = newPipelineState()
	} else {
		t.state = loaded
	}

	return t
}

// save persists under the held lock. Callers must hold t.mu.
func (t *Tracker) save() error {
	t.state.LastUpdated = time.Now().UTC()
	return saveState(t.path, &t.state)
}

// MarkIssue records the processing status of an issue.
func (t *Tracker) MarkIssue(issue int, status IssueStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ProcessedIssues[issue] = status
	return t.save()
}

// IsProcessed reports whether an issue has been fully processed. Only
// IssueSuccess counts: failed and in-progress issues must be retried.
func (t *Tracker) IsProcessed(issue int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.ProcessedIssues[issue] == IssueSuccess
}

// IssueStatusFor returns the recorded status of an issue, if any.
func (t *Tracker) IssueStatusFor(issue int) (IssueStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.state.ProcessedIssues[issue]
	return status, ok
}

// SetWorktree records the worktree path a worker is using for an issue.
func (t *Tracker) SetWorktree(issue int, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ActiveWorktrees[issue] = path
	return t.save()
}

// RemoveWorktree clears the worktree record on teardown.
func (t *Tracker) RemoveWorktree(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.ActiveWorktrees, issue)
	return t.save()
}

// Worktree returns the recorded worktree path for an issue.
func (t *Tracker) Worktree(issue int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, ok := t.state.ActiveWorktrees[issue]
	return path, ok
}

// SetBranch records the branch a worker is using for an issue.
func (t *Tracker) SetBranch(issue int, branch string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ActiveBranches[issue] = branch
	return t.save()
}

// RemoveBranch clears the branch record on teardown.
func (t *Tracker) RemoveBranch(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.ActiveBranches, issue)
	return t.save()
}

// Branch returns the recorded branch for an issue.
func (t *Tracker) Branch(issue int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	branch, ok := t.state.ActiveBranches[issue]
	return branch, ok
}

// MarkPR records the review status of a PR.
func (t *Tracker) MarkPR(pr int, status string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ReviewedPRs[pr] = status
	return t.save()
}

// PRStatus returns the recorded status of a PR.
func (t *Tracker) PRStatus(pr int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.state.ReviewedPRs[pr]
	return status, ok
}

// SetHitlOrigin records the pipeline label an issue carried before
// escalation, used to restore or re-route it after correction.
func (t *Tracker) SetHitlOrigin(issue int, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.HitlOrigins[issue] = label
	return t.save()
}

// RemoveHitlOrigin clears the origin after a successful correction.
func (t *Tracker) RemoveHitlOrigin(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.HitlOrigins, issue)
	return t.save()
}

// HitlOrigin returns the recorded origin label for an escalated issue.
func (t *Tracker) HitlOrigin(issue int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	label, ok := t.state.HitlOrigins[issue]
	return label, ok
}

// SetHitlCause records the human-readable escalation reason.
func (t *Tracker) SetHitlCause(issue int, cause string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.HitlCauses[issue] = cause
	return t.save()
}

// RemoveHitlCause clears the cause after a successful correction.
func (t *Tracker) RemoveHitlCause(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.HitlCauses, issue)
	return t.save()
}

// HitlCause returns the recorded escalation reason for an issue.
func (t *Tracker) HitlCause(issue int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cause, ok := t.state.HitlCauses[issue]
	return cause, ok
}

// HitlIssues returns the numbers of all issues with a recorded HITL origin.
func (t *Tracker) HitlIssues() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	issues := make([]int, 0, len(t.state.HitlOrigins))
	for issue := range t.state.HitlOrigins {
		issues = append(issues, issue)
	}
	return issues
}

// IncrementIssueAttempts bumps the retry counter for an issue and returns
// the new count.
func (t *Tracker) IncrementIssueAttempts(issue int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.IssueAttempts[issue]++
	return t.state.IssueAttempts[issue], t.save()
}

// ResetIssueAttempts zeroes the retry counter. A successful HITL correction
// forgives prior retry exhaustion.
func (t *Tracker) ResetIssueAttempts(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.IssueAttempts, issue)
	return t.save()
}

// IssueAttempts returns the current retry count for an issue.
func (t *Tracker) IssueAttempts(issue int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.IssueAttempts[issue]
}

// IncrementConflictAttempts bumps the merge-conflict resolution counter for
// an issue and returns the new count. This budget is separate from the issue
// retry counter: an issue escalated at the retry cap still gets its full
// conflict-resolution allowance.
func (t *Tracker) IncrementConflictAttempts(issue int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ConflictAttempts[issue]++
	return t.state.ConflictAttempts[issue], t.save()
}

// ResetConflictAttempts zeroes the merge-conflict resolution counter.
func (t *Tracker) ResetConflictAttempts(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.ConflictAttempts, issue)
	return t.save()
}

// ConflictAttempts returns the current merge-conflict resolution count.
func (t *Tracker) ConflictAttempts(issue int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.ConflictAttempts[issue]
}

// IncrementReviewAttempts bumps the review retry counter for an issue and
// returns the new count.
func (t *Tracker) IncrementReviewAttempts(issue int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ReviewAttempts[issue]++
	return t.state.ReviewAttempts[issue], t.save()
}

// ResetReviewAttempts zeroes the review retry counter.
func (t *Tracker) ResetReviewAttempts(issue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.ReviewAttempts, issue)
	return t.save()
}

// ReviewAttempts returns the current review retry count for an issue.
func (t *Tracker) ReviewAttempts(issue int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.ReviewAttempts[issue]
}

// SetWorkerResultMeta stores a free-form metadata snapshot for an issue
// (fix-round counts, duration, last error) for observability.
func (t *Tracker) SetWorkerResultMeta(issue int, meta map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.WorkerResultMeta[issue] = meta
	return t.save()
}

// WorkerResultMeta returns the recorded metadata snapshot for an issue.
func (t *Tracker) WorkerResultMeta(issue int) (map[string]any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.state.WorkerResultMeta[issue]
	return meta, ok
}

// SetActiveIssueNumbers replaces the persisted cross-phase active-issue set.
func (t *Tracker) SetActiveIssueNumbers(issues []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ActiveIssueNumbers = make(map[int]bool, len(issues))
	for _, issue := range issues {
		t.state.ActiveIssueNumbers[issue] = true
	}
	return t.save()
}

// ActiveIssueNumbers returns the persisted active-issue set.
func (t *Tracker) ActiveIssueNumbers() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	issues := make([]int, 0, len(t.state.ActiveIssueNumbers))
	for issue := range t.state.ActiveIssueNumbers {
		issues = append(issues, issue)
	}
	return issues
}

// NextBatch increments the implementation-round counter and returns it.
func (t *Tracker) NextBatch() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.CurrentBatch++
	return t.state.CurrentBatch, t.save()
}

// CurrentBatch returns the current implementation round.
func (t *Tracker) CurrentBatch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.CurrentBatch
}

// Reset clears all per-run state while preserving lifetime stats and the
// fired-threshold set, which are cross-run.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lifetime := t.state.Lifetime
	t.state = newPipelineState()
	t.state.Lifetime = lifetime
	return t.save()
}

// Snapshot returns a deep copy of the current state for dashboards.
func (t *Tracker) Snapshot() PipelineState {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.state
	snapshot.ProcessedIssues = copyMap(t.state.ProcessedIssues)
	snapshot.ActiveWorktrees = copyMap(t.state.ActiveWorktrees)
	snapshot.ActiveBranches = copyMap(t.state.ActiveBranches)
	snapshot.ReviewedPRs = copyMap(t.state.ReviewedPRs)
	snapshot.HitlOrigins = copyMap(t.state.HitlOrigins)
	snapshot.HitlCauses = copyMap(t.state.HitlCauses)
	snapshot.ReviewAttempts = copyMap(t.state.ReviewAttempts)
	snapshot.IssueAttempts = copyMap(t.state.IssueAttempts)
	snapshot.ConflictAttempts = copyMap(t.state.ConflictAttempts)
	snapshot.ActiveIssueNumbers = copyMap(t.state.ActiveIssueNumbers)

	snapshot.WorkerResultMeta = make(map[int]map[string]any, len(t.state.WorkerResultMeta))
	for issue, meta := range t.state.WorkerResultMeta {
		inner := make(map[string]any, len(meta))
		for k, v := range meta {
			inner[k] = v
		}
		snapshot.WorkerResultMeta[issue] = inner
	}

	snapshot.Lifetime.FiredThresholds = make(map[string]bool, len(t.state.Lifetime.FiredThresholds))
	for name, fired := range t.state.Lifetime.FiredThresholds {
		snapshot.Lifetime.FiredThresholds[name] = fired
	}

	return snapshot
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
