// Package pipeline implements the phase-level control logic of the
// issue pipeline: triage routing, HITL correction processing, and
// merge-conflict unsticking. Phases coordinate through the shared
// active-issue registry and persist every transition through the
// state tracker.
package pipeline

import (
	"context"

	"issuepilot/pkg/issues"
)

// Phase identifies one of the pipeline stages.
type Phase string

const (
	PhaseTriage    Phase = "triage"
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
	PhaseReview    Phase = "review"
	PhaseHitl      Phase = "hitl"
	PhaseUnstick   Phase = "unstick"
)

// HitlStatus is the dashboard-facing status of an escalated issue.
type HitlStatus string

const (
	// HitlPending means the issue is waiting for a human correction.
	HitlPending HitlStatus = "pending"
	// HitlProcessing means a correction is being executed right now.
	HitlProcessing HitlStatus = "processing"
	// HitlApproval means the escalation is an improvement proposal and
	// the dashboard should render an approve/reject affordance.
	HitlApproval HitlStatus = "approval"
)

// TriageResult is the triage evaluator's verdict on a single issue.
type TriageResult struct {
	Ready   bool
	Reasons []string
}

// CorrectionResult is the correction agent's outcome for one run.
type CorrectionResult struct {
	Success    bool
	Error      string
	Transcript string
}

// TriageEvaluator decides whether an issue has enough detail to plan.
type TriageEvaluator interface {
	Evaluate(ctx context.Context, issue *issues.IssueRecord) (TriageResult, error)
}

// CorrectionAgent executes a human-supplied correction against an issue.
// A non-nil error means the agent could not run at all; an unsuccessful
// CorrectionResult means it ran and failed.
type CorrectionAgent interface {
	Run(ctx context.Context, issue *issues.IssueRecord, correction string) (CorrectionResult, error)
}

// LabelMutator is the label, comment, and PR surface the phases mutate.
type LabelMutator interface {
	AddLabels(ctx context.Context, issue int, labels []string) error
	RemoveLabel(ctx context.Context, issue int, label string) error
	SwapPipelineLabels(ctx context.Context, issue int, newLabel string, pipelineLabels []string) error
	PostComment(ctx context.Context, issue int, text string) error
	PushBranch(ctx context.Context, worktreePath, branch string) (bool, error)
	GetPrDiffNames(ctx context.Context, pr int) ([]string, error)
	PRForBranch(ctx context.Context, branch string) (int, error)
}

// WorktreeManager is the per-issue workspace surface the phases drive.
type WorktreeManager interface {
	BranchFor(issue int) string
	Create(ctx context.Context, issue int) (string, error)
	Destroy(ctx context.Context, issue int) error
	StartMergeMain(ctx context.Context, issue int) (bool, error)
	AbortMerge(ctx context.Context, issue int) error
	MainCommitsSinceDiverge(ctx context.Context, issue int) (string, error)
}

// MemoryFiler records a learning suggestion extracted from an agent
// transcript. Filing is best-effort; callers swallow errors.
type MemoryFiler interface {
	FileMemorySuggestion(ctx context.Context, suggestion *MemorySuggestion) error
}

// StopFunc reports whether a global stop has been requested. Phases call
// it between issues so a stop mid-batch leaves unevaluated issues for
// the next poll.
type StopFunc func() bool

func neverStop() bool { return false }
