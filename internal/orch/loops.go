package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/limiter"
	"issuepilot/pkg/state"
)

// supervise runs a named loop and restarts it whenever it exits
// abnormally. A loop only exits normally via the stop signal or context
// cancellation.
func (o *Orchestrator) supervise(ctx context.Context, doneCh chan struct{}, name string, interval time.Duration, iterate func(context.Context) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			err := o.runLoop(ctx, doneCh, name, interval, iterate)
			if err == nil || ctx.Err() != nil || o.stopFlag.Load() {
				return
			}

			o.logger.Error("Loop %s crashed: %v, restarting", name, err)
			o.deps.Events.Publish(bus.NewEvent(bus.EventLoopRestart, map[string]any{
				"loop":  name,
				"error": err.Error(),
			}))
			if o.deps.Recorder != nil {
				o.deps.Recorder.ObserveLoopRestart(name)
			}
		}
	}()
}

// runLoop polls on a fixed interval until stopped. Per-iteration errors
// are logged and reported but never kill the loop; a panic escapes as an
// error for the supervisor to restart on.
func (o *Orchestrator) runLoop(ctx context.Context, doneCh chan struct{}, name string, interval time.Duration, iterate func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop %s panicked: %v", name, r)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-doneCh:
			return nil
		case <-ticker.C:
			started := time.Now()
			if iterErr := iterate(ctx); iterErr != nil {
				o.logger.Error("Loop %s iteration failed: %v", name, iterErr)
				o.deps.Events.Publish(bus.NewEvent(bus.EventError, map[string]any{
					"loop":  name,
					"error": iterErr.Error(),
				}))
			}
			if o.deps.Recorder != nil {
				o.deps.Recorder.ObservePhaseDuration(name, time.Since(started))
			}
		}
	}
}

// triageIteration routes new issues and drains queued HITL corrections.
func (o *Orchestrator) triageIteration(ctx context.Context) error {
	if err := o.deps.Triage.TriageIssues(ctx); err != nil {
		return err
	}
	return o.deps.Hitl.ProcessCorrections(ctx)
}

// planIteration runs the planner over plan-labeled issues, bounded by the
// planner slot pool.
func (o *Orchestrator) planIteration(ctx context.Context) error {
	cfg := o.deps.Config
	return o.forEachLabeled(ctx, cfg.Labels.Plan, limiter.PhasePlan, cfg.Limits.Planners, o.planOne)
}

// implementIteration runs the worker over work-labeled issues.
func (o *Orchestrator) implementIteration(ctx context.Context) error {
	cfg := o.deps.Config
	return o.forEachLabeled(ctx, cfg.Labels.Work, limiter.PhaseImplement, cfg.Limits.Implementers, o.implementOne)
}

// reviewIteration reviews implemented issues and then runs an unstick
// pass for merge-conflicted escalations.
func (o *Orchestrator) reviewIteration(ctx context.Context) error {
	cfg := o.deps.Config
	if err := o.forEachLabeled(ctx, cfg.Labels.Review, limiter.PhaseReview, cfg.Limits.Reviewers, o.reviewOne); err != nil {
		return err
	}
	return o.deps.Unsticker.ProcessStuckPRs(ctx)
}

// forEachLabeled applies handle to each issue carrying the label, under
// the phase's slot pool and the active-set discipline. handle owns the
// issue while it runs; claim and slot are released here on every path.
func (o *Orchestrator) forEachLabeled(ctx context.Context, label, phase string, batchSize int, handle func(context.Context, *issues.IssueRecord) error) error {
	if label == "" {
		return nil
	}

	batch, err := o.deps.Store.GetByLabels(ctx, []string{label}, batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch %s issues: %w", label, err)
	}

	for i := range batch {
		if o.stopFlag.Load() || ctx.Err() != nil {
			return nil
		}

		issue := &batch[i]
		if o.deps.Tracker.IsProcessed(issue.Number) {
			continue
		}

		if err := o.deps.Slots.Acquire(phase); err != nil {
			if errors.Is(err, limiter.ErrSlotLimit) {
				return nil
			}
			return err
		}
		if !o.deps.Store.MarkActive(issue.Number) {
			o.releaseSlot(phase)
			continue
		}

		if err := handle(ctx, issue); err != nil {
			o.logger.Error("Handling issue %d in %s failed: %v", issue.Number, phase, err)
			o.deps.Events.Publish(bus.NewEvent(bus.EventError, map[string]any{
				"phase": phase,
				"issue": issue.Number,
				"error": err.Error(),
			}))
		}

		o.deps.Store.Release(issue.Number)
		o.releaseSlot(phase)
	}
	return nil
}

func (o *Orchestrator) releaseSlot(phase string) {
	if err := o.deps.Slots.Release(phase); err != nil {
		o.logger.Warn("Slot release for %s: %v", phase, err)
	}
}

// planOne asks the planner for a plan and advances the issue to the work
// stage, escalating once the attempt budget is spent.
func (o *Orchestrator) planOne(ctx context.Context, issue *issues.IssueRecord) error {
	cfg := o.deps.Config

	if err := o.deps.Planner.Plan(ctx, issue); err != nil {
		return o.retryOrEscalate(ctx, issue.Number, cfg.Labels.Plan,
			fmt.Sprintf("planning failed: %v", err))
	}

	if err := o.deps.Mutator.SwapPipelineLabels(ctx, issue.Number, cfg.Labels.Work, cfg.PipelineLabels()); err != nil {
		return err
	}
	if err := o.deps.Tracker.MarkIssue(issue.Number, state.IssueInProgress); err != nil {
		return err
	}

	o.logger.Info("Issue %d planned, moved to %s", issue.Number, cfg.Labels.Work)
	return nil
}

// implementOne runs the worker inside the issue's worktree and pushes the
// result for review.
func (o *Orchestrator) implementOne(ctx context.Context, issue *issues.IssueRecord) error {
	cfg := o.deps.Config
	number := issue.Number

	path, err := o.deps.Worktrees.Create(ctx, number)
	if err != nil {
		return fmt.Errorf("failed to create worktree for issue %d: %w", number, err)
	}
	branch := o.deps.Worktrees.BranchFor(number)
	if err := o.deps.Tracker.SetWorktree(number, path); err != nil {
		return err
	}
	if err := o.deps.Tracker.SetBranch(number, branch); err != nil {
		return err
	}

	if err := o.deps.Worker.Implement(ctx, issue, path); err != nil {
		return o.retryOrEscalate(ctx, number, cfg.Labels.Work,
			fmt.Sprintf("implementation failed: %v", err))
	}

	pushed, err := o.deps.Mutator.PushBranch(ctx, path, branch)
	if err != nil {
		return err
	}
	if !pushed {
		o.logger.Warn("Push for issue %d rejected, will retry next poll", number)
		return nil
	}

	if err := o.deps.Mutator.SwapPipelineLabels(ctx, number, cfg.Labels.Review, cfg.PipelineLabels()); err != nil {
		return err
	}

	o.logger.Info("Issue %d implemented on %s, moved to %s", number, branch, cfg.Labels.Review)
	return nil
}

// reviewOne reviews the issue's branch. Approval finishes the issue;
// rejection sends it back to the work stage until the review attempt
// budget is spent.
func (o *Orchestrator) reviewOne(ctx context.Context, issue *issues.IssueRecord) error {
	cfg := o.deps.Config
	number := issue.Number
	started := time.Now()

	approved, feedback, err := o.deps.Reviewer.Review(ctx, issue)
	if err != nil {
		return fmt.Errorf("review of issue %d failed: %w", number, err)
	}

	if err := o.deps.Tracker.RecordReviewVerdict(approved); err != nil {
		o.logger.Warn("Failed to record review verdict: %v", err)
	}

	if !approved {
		if err := o.deps.Tracker.RecordQualityFixRounds(1); err != nil {
			o.logger.Warn("Failed to record quality-fix round: %v", err)
		}

		attempts, err := o.deps.Tracker.IncrementReviewAttempts(number)
		if err != nil {
			return err
		}
		if attempts >= cfg.Retries.MaxReviewAttempts {
			return o.escalate(ctx, number, cfg.Labels.Review,
				fmt.Sprintf("review attempts exhausted after %d round(s)", attempts))
		}

		if feedback != "" {
			if err := o.deps.Mutator.PostComment(ctx, number, "Review feedback:\n\n"+feedback); err != nil {
				o.logger.Warn("Failed to post review feedback on issue %d: %v", number, err)
			}
		}
		if err := o.deps.Mutator.SwapPipelineLabels(ctx, number, cfg.Labels.Work, cfg.PipelineLabels()); err != nil {
			return err
		}
		o.logger.Info("Issue %d rejected in review (attempt %d), back to %s", number, attempts, cfg.Labels.Work)
		return nil
	}

	return o.finishIssue(ctx, number, started)
}

// finishIssue moves an approved issue to the done label, tears down its
// workspace, and updates lifetime stats and threshold proposals.
func (o *Orchestrator) finishIssue(ctx context.Context, number int, started time.Time) error {
	cfg := o.deps.Config

	if err := o.deps.Mutator.SwapPipelineLabels(ctx, number, cfg.Labels.Done, cfg.PipelineLabels()); err != nil {
		return err
	}
	if err := o.deps.Tracker.MarkIssue(number, state.IssueSuccess); err != nil {
		return err
	}
	if err := o.deps.Tracker.ResetReviewAttempts(number); err != nil {
		o.logger.Warn("Failed to reset review attempts: %v", err)
	}
	if err := o.deps.Tracker.RecordIssueCompleted(time.Since(started).Seconds()); err != nil {
		o.logger.Warn("Failed to record completion stat: %v", err)
	}
	if err := o.deps.Tracker.RecordPRMerged(); err != nil {
		o.logger.Warn("Failed to record PR merge stat: %v", err)
	}

	if _, ok := o.deps.Tracker.Worktree(number); ok {
		if err := o.deps.Worktrees.Destroy(ctx, number); err != nil {
			o.logger.Warn("Failed to destroy worktree for issue %d: %v", number, err)
		}
		if err := o.deps.Tracker.RemoveWorktree(number); err != nil {
			o.logger.Warn("Failed to clear worktree record: %v", err)
		}
		if err := o.deps.Tracker.RemoveBranch(number); err != nil {
			o.logger.Warn("Failed to clear branch record: %v", err)
		}
	}

	o.sawDone.Store(true)
	if o.deps.Recorder != nil {
		o.deps.Recorder.ObserveIssueCompleted()
	}
	o.logger.Info("Issue %d done", number)
	o.deps.Events.Publish(bus.NewEvent(bus.EventIssueDone, map[string]any{"issue": number}))

	o.checkThresholds(ctx)
	return nil
}

// retryOrEscalate counts a failed attempt and escalates to HITL once the
// issue attempt budget is spent. Below the budget the failure is
// transient and the issue stays in its stage for the next poll.
func (o *Orchestrator) retryOrEscalate(ctx context.Context, number int, origin, cause string) error {
	attempts, err := o.deps.Tracker.IncrementIssueAttempts(number)
	if err != nil {
		return err
	}
	if attempts < o.deps.Config.Retries.MaxIssueAttempts {
		o.logger.Warn("Issue %d attempt %d failed: %s", number, attempts, cause)
		return nil
	}
	return o.escalate(ctx, number, origin, fmt.Sprintf("%s (after %d attempts)", cause, attempts))
}

// escalate converts a permanent failure into a HITL escalation: durable
// state, an issue comment, and a bus event. Nothing fails silently.
func (o *Orchestrator) escalate(ctx context.Context, number int, origin, cause string) error {
	cfg := o.deps.Config

	if err := o.deps.Mutator.SwapPipelineLabels(ctx, number, cfg.Labels.Hitl, cfg.PipelineLabels()); err != nil {
		return err
	}
	if err := o.deps.Tracker.SetHitlOrigin(number, origin); err != nil {
		return err
	}
	if err := o.deps.Tracker.SetHitlCause(number, cause); err != nil {
		return err
	}
	if err := o.deps.Tracker.RecordHitlEscalation(); err != nil {
		o.logger.Warn("Failed to record escalation stat: %v", err)
	}

	comment := fmt.Sprintf("Escalated to human review.\n\nCause: %s", cause)
	if err := o.deps.Mutator.PostComment(ctx, number, comment); err != nil {
		o.logger.Warn("Failed to post escalation comment on issue %d: %v", number, err)
	}

	if o.deps.Recorder != nil {
		o.deps.Recorder.ObserveEscalation(origin)
	}
	o.logger.Info("Issue %d escalated from %s: %s", number, origin, cause)
	o.deps.Events.Publish(bus.NewEvent(bus.EventHitlEscalated, map[string]any{
		"issue":  number,
		"origin": origin,
		"cause":  cause,
	}))
	return nil
}

// checkThresholds files crossed lifetime-stat thresholds as improvement
// proposals. Filing is best-effort.
func (o *Orchestrator) checkThresholds(ctx context.Context) {
	th := o.deps.Config.Thresholds
	proposals, err := o.deps.Tracker.CheckThresholds(th.QualityFixRate, th.ApprovalRate, th.HitlRate)
	if err != nil {
		o.logger.Warn("Threshold check failed: %v", err)
		return
	}

	for _, proposal := range proposals {
		if proposal.Kind == state.ProposalRecovered {
			o.logger.Info("Threshold %s recovered (%.2f vs bound %.2f)", proposal.Name, proposal.Value, proposal.Bound)
			continue
		}

		if o.deps.Creator == nil {
			o.logger.Info("Threshold crossed: %s", proposal.Message)
			continue
		}
		title := fmt.Sprintf("Pipeline self-improvement: %s threshold crossed", proposal.Name)
		number, err := o.deps.Creator.CreateIssue(ctx, title, proposal.Message, []string{o.deps.Config.Labels.Improve})
		if err != nil {
			o.logger.Warn("Failed to file threshold proposal: %v", err)
			continue
		}
		o.logger.Info("Filed threshold proposal %s as issue %d", proposal.Name, number)
	}
}
