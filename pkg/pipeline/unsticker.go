package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/config"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/limiter"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/state"
)

// CauseUnstickExhausted replaces a merge-conflict cause once the
// auto-resolution budget is spent. It deliberately avoids the conflict
// signature so the issue stops matching and waits for a human.
const CauseUnstickExhausted = "auto-unstick attempts exhausted; manual resolution required"

// IsMergeConflictCause reports whether an escalation cause carries the
// merge-conflict signature.
func IsMergeConflictCause(cause string) bool {
	return strings.Contains(strings.ToLower(cause), "merge conflict") ||
		strings.Contains(cause, "CONFLICT")
}

// PRUnsticker auto-resolves HITL escalations whose cause is a merge
// conflict: a clean merge of the base branch is tried first, and only on
// conflict is the correction agent invoked with a prompt enriched with
// the diverged commit log and the PR's changed files.
type PRUnsticker struct {
	store     *issues.Store
	tracker   *state.Tracker
	events    *bus.Bus
	slots     *limiter.Limiter
	agent     CorrectionAgent
	mutator   LabelMutator
	worktrees WorktreeManager
	cfg       *config.Config
	recorder  *metrics.Recorder
	stopped   StopFunc
	logger    *logx.Logger
}

// NewPRUnsticker creates the unsticker. recorder may be nil.
func NewPRUnsticker(
	store *issues.Store,
	tracker *state.Tracker,
	events *bus.Bus,
	slots *limiter.Limiter,
	agent CorrectionAgent,
	mutator LabelMutator,
	worktrees WorktreeManager,
	cfg *config.Config,
	recorder *metrics.Recorder,
	stopped StopFunc,
) *PRUnsticker {
	if stopped == nil {
		stopped = neverStop
	}
	return &PRUnsticker{
		store:     store,
		tracker:   tracker,
		events:    events,
		slots:     slots,
		agent:     agent,
		mutator:   mutator,
		worktrees: worktrees,
		cfg:       cfg,
		recorder:  recorder,
		stopped:   stopped,
		logger:    logx.NewLogger("unsticker"),
	}
}

// StuckIssues returns the escalated issues whose cause matches the
// merge-conflict signature, capped at the per-poll batch size.
func (u *PRUnsticker) StuckIssues() []int {
	var stuck []int
	for _, issue := range u.tracker.HitlIssues() {
		cause, ok := u.tracker.HitlCause(issue)
		if ok && IsMergeConflictCause(cause) {
			stuck = append(stuck, issue)
		}
		if len(stuck) >= u.cfg.Limits.UnstickerBatch {
			break
		}
	}
	return stuck
}

// ProcessStuckPRs runs one unstick pass, bounded by the unstick slot
// pool and the per-poll batch cap.
func (u *PRUnsticker) ProcessStuckPRs(ctx context.Context) error {
	for _, issue := range u.StuckIssues() {
		if u.stopped() || ctx.Err() != nil {
			return nil
		}

		if err := u.slots.Acquire(limiter.PhaseUnstick); err != nil {
			if errors.Is(err, limiter.ErrSlotLimit) {
				return nil
			}
			return err
		}

		if !u.store.MarkActive(issue) {
			if err := u.slots.Release(limiter.PhaseUnstick); err != nil {
				u.logger.Warn("Slot release: %v", err)
			}
			continue
		}

		u.unstickOne(ctx, issue)
	}
	return nil
}

// unstickOne attempts one conflict resolution. The slot and the
// active-set claim are released on every exit path.
func (u *PRUnsticker) unstickOne(ctx context.Context, issue int) {
	defer u.store.Release(issue)
	defer func() {
		if err := u.slots.Release(limiter.PhaseUnstick); err != nil {
			u.logger.Warn("Slot release: %v", err)
		}
	}()

	attempts, err := u.tracker.IncrementConflictAttempts(issue)
	if err != nil {
		u.logger.Error("Failed to count unstick attempt for issue %d: %v", issue, err)
		return
	}
	if attempts > u.cfg.Retries.MaxConflictAttempts {
		u.exhaust(ctx, issue)
		return
	}

	clean, err := u.worktrees.StartMergeMain(ctx, issue)
	if err != nil {
		u.logger.Error("Merge attempt for issue %d failed: %v", issue, err)
		u.events.Publish(bus.NewEvent(bus.EventError, map[string]any{
			"phase": string(PhaseUnstick),
			"issue": issue,
			"error": err.Error(),
		}))
		return
	}

	if clean {
		u.logger.Info("Issue %d unstuck by clean merge", issue)
		u.finish(ctx, issue)
		return
	}

	u.resolveWithAgent(ctx, issue)
}

// resolveWithAgent falls back to the correction agent, feeding it the
// diverged commit log and the PR's changed files.
func (u *PRUnsticker) resolveWithAgent(ctx context.Context, issue int) {
	record, err := u.store.GetByNumber(ctx, issue)
	if err != nil || record == nil {
		u.logger.Error("Failed to fetch issue %d for unstick: %v", issue, err)
		u.abortMerge(ctx, issue)
		return
	}

	result, err := u.agent.Run(ctx, record, u.conflictPrompt(ctx, issue))
	if err != nil {
		result = CorrectionResult{Success: false, Error: err.Error()}
	}

	if !result.Success {
		u.abortMerge(ctx, issue)
		if u.recorder != nil {
			u.recorder.ObserveCorrection(false)
		}
		u.logger.Info("Agent conflict fix for issue %d failed: %s", issue, result.Error)
		u.events.Publish(bus.NewEvent(bus.EventError, map[string]any{
			"phase": string(PhaseUnstick),
			"issue": issue,
			"error": result.Error,
		}))
		return
	}

	u.logger.Info("Issue %d unstuck by agent conflict fix", issue)
	u.finish(ctx, issue)
}

// conflictPrompt builds the agent prompt. Enrichment failures degrade to
// a plain prompt rather than blocking the fix.
func (u *PRUnsticker) conflictPrompt(ctx context.Context, issue int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the merge conflicts between this issue's branch and %s, keeping the branch's intent.\n", u.cfg.BaseBranch)

	if log, err := u.worktrees.MainCommitsSinceDiverge(ctx, issue); err == nil && log != "" {
		fmt.Fprintf(&b, "\nCommits landed on %s since the branch diverged:\n%s\n", u.cfg.BaseBranch, log)
	} else if err != nil {
		u.logger.Debug("Diverge log for issue %d: %v", issue, err)
	}

	if branch, ok := u.tracker.Branch(issue); ok {
		if pr, err := u.mutator.PRForBranch(ctx, branch); err == nil && pr > 0 {
			if names, err := u.mutator.GetPrDiffNames(ctx, pr); err == nil && len(names) > 0 {
				fmt.Fprintf(&b, "\nFiles changed by the PR:\n%s\n", strings.Join(names, "\n"))
			}
		}
	}

	return b.String()
}

// finish pushes the resolved branch and restores the issue to its origin
// stage, mirroring a successful HITL correction.
func (u *PRUnsticker) finish(ctx context.Context, issue int) {
	if path, ok := u.tracker.Worktree(issue); ok {
		if branch, ok := u.tracker.Branch(issue); ok {
			if pushed, err := u.mutator.PushBranch(ctx, path, branch); err != nil {
				u.logger.Error("Failed to push resolved branch for issue %d: %v", issue, err)
				return
			} else if !pushed {
				u.logger.Warn("Push of resolved branch for issue %d rejected, will retry next poll", issue)
				return
			}
		}
	}

	origin, ok := u.tracker.HitlOrigin(issue)
	if !ok {
		origin = u.cfg.Labels.Review
	}
	if err := u.mutator.SwapPipelineLabels(ctx, issue, origin, u.cfg.PipelineLabels()); err != nil {
		u.logger.Error("Failed to restore issue %d to %s: %v", issue, origin, err)
		return
	}

	if err := u.tracker.RemoveHitlOrigin(issue); err != nil {
		u.logger.Error("Failed to clear origin for issue %d: %v", issue, err)
	}
	if err := u.tracker.RemoveHitlCause(issue); err != nil {
		u.logger.Error("Failed to clear cause for issue %d: %v", issue, err)
	}
	if err := u.tracker.ResetIssueAttempts(issue); err != nil {
		u.logger.Error("Failed to reset attempts for issue %d: %v", issue, err)
	}
	if err := u.tracker.ResetConflictAttempts(issue); err != nil {
		u.logger.Error("Failed to reset conflict attempts for issue %d: %v", issue, err)
	}

	if err := u.mutator.PostComment(ctx, issue, "Merge conflict resolved automatically; branch updated."); err != nil {
		u.logger.Warn("Failed to post unstick comment on issue %d: %v", issue, err)
	}

	if u.recorder != nil {
		u.recorder.ObserveCorrection(true)
	}
	u.events.Publish(bus.NewEvent(bus.EventHitlResolved, map[string]any{
		"issue": issue,
		"label": origin,
		"via":   "unsticker",
	}))
}

// exhaust retires the conflict cause so the issue stops matching the
// unstick signature and waits in the HITL queue for a human.
func (u *PRUnsticker) exhaust(ctx context.Context, issue int) {
	if err := u.tracker.SetHitlCause(issue, CauseUnstickExhausted); err != nil {
		u.logger.Error("Failed to retire conflict cause for issue %d: %v", issue, err)
		return
	}
	if err := u.tracker.ResetConflictAttempts(issue); err != nil {
		u.logger.Error("Failed to reset conflict attempts for issue %d: %v", issue, err)
	}

	comment := fmt.Sprintf("Automatic conflict resolution gave up after %d attempt(s). A human needs to resolve this merge.", u.cfg.Retries.MaxConflictAttempts)
	if err := u.mutator.PostComment(ctx, issue, comment); err != nil {
		u.logger.Warn("Failed to post exhaustion comment on issue %d: %v", issue, err)
	}

	u.logger.Info("Issue %d unstick budget exhausted", issue)
	u.events.Publish(bus.NewEvent(bus.EventHitlEscalated, map[string]any{
		"issue": issue,
		"cause": CauseUnstickExhausted,
	}))
}

func (u *PRUnsticker) abortMerge(ctx context.Context, issue int) {
	if err := u.worktrees.AbortMerge(ctx, issue); err != nil {
		u.logger.Debug("Merge abort for issue %d: %v", issue, err)
	}
}
