package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/config"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/limiter"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/state"
)

// HITLPhase executes human-supplied corrections against escalated issues.
// State machine per issue:
//
//	hitl (pending) -> hitl-active (processing) -> origin label on success,
//	back to hitl on failure.
type HITLPhase struct {
	store     *issues.Store
	tracker   *state.Tracker
	events    *bus.Bus
	slots     *limiter.Limiter
	agent     CorrectionAgent
	mutator   LabelMutator
	worktrees WorktreeManager
	filer     MemoryFiler
	cfg       *config.Config
	recorder  *metrics.Recorder
	stopped   StopFunc
	logger    *logx.Logger

	mu      sync.Mutex
	pending map[int]string
}

// NewHITLPhase creates the HITL correction phase. filer and recorder may
// be nil.
func NewHITLPhase(
	store *issues.Store,
	tracker *state.Tracker,
	events *bus.Bus,
	slots *limiter.Limiter,
	agent CorrectionAgent,
	mutator LabelMutator,
	worktrees WorktreeManager,
	filer MemoryFiler,
	cfg *config.Config,
	recorder *metrics.Recorder,
	stopped StopFunc,
) *HITLPhase {
	if stopped == nil {
		stopped = neverStop
	}
	return &HITLPhase{
		store:     store,
		tracker:   tracker,
		events:    events,
		slots:     slots,
		agent:     agent,
		mutator:   mutator,
		worktrees: worktrees,
		filer:     filer,
		cfg:       cfg,
		recorder:  recorder,
		stopped:   stopped,
		logger:    logx.NewLogger("hitl"),
		pending:   make(map[int]string),
	}
}

// SubmitCorrection queues a human correction for an escalated issue. The
// next ProcessCorrections pass picks it up.
func (p *HITLPhase) SubmitCorrection(issue int, text string) {
	p.mu.Lock()
	p.pending[issue] = text
	p.mu.Unlock()
	p.logger.Info("Correction queued for issue %d", issue)
}

// PendingCorrections returns the issues with a queued correction, sorted.
func (p *HITLPhase) PendingCorrections() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	numbers := make([]int, 0, len(p.pending))
	for issue := range p.pending {
		numbers = append(numbers, issue)
	}
	sort.Ints(numbers)
	return numbers
}

// Skip drops an escalated issue without running a correction: the queued
// correction is discarded, HITL bookkeeping is cleared, and the origin
// label is restored so the issue resumes its prior stage untouched.
func (p *HITLPhase) Skip(ctx context.Context, issue int) error {
	p.mu.Lock()
	delete(p.pending, issue)
	p.mu.Unlock()

	origin, ok := p.tracker.HitlOrigin(issue)
	if !ok {
		return fmt.Errorf("issue %d is not escalated", issue)
	}

	if err := p.mutator.SwapPipelineLabels(ctx, issue, origin, p.cfg.PipelineLabels()); err != nil {
		return fmt.Errorf("failed to restore label for skipped issue %d: %w", issue, err)
	}
	if err := p.clearEscalation(issue); err != nil {
		return err
	}

	p.logger.Info("Issue %d skipped, restored to %s", issue, origin)
	return nil
}

// Status reports the dashboard-facing status of an escalated issue.
// Improvement proposals report "approval" so the dashboard renders an
// approve/reject affordance instead of a free-text correction box.
func (p *HITLPhase) Status(issue int) HitlStatus {
	if origin, ok := p.tracker.HitlOrigin(issue); ok && origin == p.cfg.Labels.Improve {
		return HitlApproval
	}
	if p.store.IsActive(issue) {
		return HitlProcessing
	}
	return HitlPending
}

// ProcessCorrections runs every queued correction, bounded by the
// corrector slot pool. Issues that cannot get a slot stay queued for the
// next pass.
func (p *HITLPhase) ProcessCorrections(ctx context.Context) error {
	for _, issue := range p.PendingCorrections() {
		if p.stopped() || ctx.Err() != nil {
			return nil
		}

		p.mu.Lock()
		correction, ok := p.pending[issue]
		p.mu.Unlock()
		if !ok {
			continue
		}

		if err := p.slots.Acquire(limiter.PhaseCorrect); err != nil {
			if errors.Is(err, limiter.ErrSlotLimit) {
				return nil
			}
			return err
		}

		if !p.store.MarkActive(issue) {
			if err := p.slots.Release(limiter.PhaseCorrect); err != nil {
				p.logger.Warn("Slot release: %v", err)
			}
			continue
		}

		p.mu.Lock()
		delete(p.pending, issue)
		p.mu.Unlock()

		p.processOne(ctx, issue, correction)
	}
	return nil
}

// requeue puts a correction back in the pending queue unless a newer one
// arrived for the same issue while it was being processed.
func (p *HITLPhase) requeue(issue int, correction string) {
	p.mu.Lock()
	if _, ok := p.pending[issue]; !ok {
		p.pending[issue] = correction
	}
	p.mu.Unlock()
}

// processOne executes one correction. The slot and the active-set claim
// are released on every exit path, release last.
func (p *HITLPhase) processOne(ctx context.Context, issue int, correction string) {
	defer p.store.Release(issue)
	defer func() {
		if err := p.slots.Release(limiter.PhaseCorrect); err != nil {
			p.logger.Warn("Slot release: %v", err)
		}
	}()

	if err := p.mutator.SwapPipelineLabels(ctx, issue, p.cfg.Labels.HitlWork, p.cfg.PipelineLabels()); err != nil {
		p.logger.Error("Failed to mark issue %d as processing: %v", issue, err)
		return
	}

	record, err := p.store.GetByNumber(ctx, issue)
	if err != nil {
		// Transient fetch failure: the correction goes back in the queue
		// for the next pass instead of being silently lost.
		p.logger.Error("Failed to fetch issue %d for correction: %v", issue, err)
		p.requeue(issue, correction)
		p.relabel(ctx, issue, p.cfg.Labels.Hitl)
		p.events.Publish(bus.NewEvent(bus.EventError, map[string]any{
			"phase": string(PhaseHitl),
			"issue": issue,
			"error": fmt.Sprintf("fetch for correction failed: %v", err),
		}))
		return
	}
	if record == nil {
		p.logger.Error("Issue %d no longer exists, dropping its correction", issue)
		p.relabel(ctx, issue, p.cfg.Labels.Hitl)
		p.events.Publish(bus.NewEvent(bus.EventError, map[string]any{
			"phase": string(PhaseHitl),
			"issue": issue,
			"error": "issue not found, correction dropped",
		}))
		return
	}

	result, err := p.agent.Run(ctx, record, correction)
	if err != nil {
		result = CorrectionResult{Success: false, Error: err.Error()}
	}

	if result.Success {
		p.resolveSuccess(ctx, issue)
	} else {
		p.resolveFailure(ctx, issue, result.Error)
	}

	p.fileSuggestion(ctx, issue, result.Transcript)
}

// resolveSuccess restores the issue to its origin stage. Improvement
// proposals re-enter triage instead of resuming a prior stage.
func (p *HITLPhase) resolveSuccess(ctx context.Context, issue int) {
	origin, ok := p.tracker.HitlOrigin(issue)
	if !ok {
		p.logger.Warn("Issue %d resolved without a recorded origin, routing to triage", issue)
		origin = p.cfg.Labels.Improve
	}

	target := origin
	if origin == p.cfg.Labels.Improve {
		target = p.cfg.Labels.Find
	}

	if err := p.mutator.SwapPipelineLabels(ctx, issue, target, p.cfg.PipelineLabels()); err != nil {
		p.logger.Error("Failed to restore issue %d to %s: %v", issue, target, err)
		p.relabel(ctx, issue, p.cfg.Labels.Hitl)
		return
	}

	if err := p.clearEscalation(issue); err != nil {
		p.logger.Error("Failed to clear escalation state for issue %d: %v", issue, err)
	}

	p.destroyWorkspace(ctx, issue)

	comment := fmt.Sprintf("Human correction applied. Issue returned to `%s`.", target)
	if err := p.mutator.PostComment(ctx, issue, comment); err != nil {
		p.logger.Warn("Failed to post resolution comment on issue %d: %v", issue, err)
	}

	if p.recorder != nil {
		p.recorder.ObserveCorrection(true)
	}
	p.logger.Info("Issue %d correction succeeded, restored to %s", issue, target)
	p.events.Publish(bus.NewEvent(bus.EventHitlResolved, map[string]any{
		"issue": issue,
		"label": target,
	}))
}

// resolveFailure returns the issue to the pending HITL queue. Origin and
// cause stay recorded and the workspace is kept so a retry can resume
// from partial progress.
func (p *HITLPhase) resolveFailure(ctx context.Context, issue int, agentErr string) {
	p.relabel(ctx, issue, p.cfg.Labels.Hitl)

	comment := fmt.Sprintf("Correction attempt failed: %s\n\nThe issue remains escalated; submit another correction.", agentErr)
	if err := p.mutator.PostComment(ctx, issue, comment); err != nil {
		p.logger.Warn("Failed to post failure comment on issue %d: %v", issue, err)
	}

	if p.recorder != nil {
		p.recorder.ObserveCorrection(false)
	}
	p.logger.Info("Issue %d correction failed: %s", issue, agentErr)
	p.events.Publish(bus.NewEvent(bus.EventError, map[string]any{
		"phase": string(PhaseHitl),
		"issue": issue,
		"error": agentErr,
	}))
}

// clearEscalation removes origin, cause, and the attempt counter. A
// successful correction forgives prior retry exhaustion.
func (p *HITLPhase) clearEscalation(issue int) error {
	if err := p.tracker.RemoveHitlOrigin(issue); err != nil {
		return err
	}
	if err := p.tracker.RemoveHitlCause(issue); err != nil {
		return err
	}
	if err := p.tracker.ResetIssueAttempts(issue); err != nil {
		return err
	}
	return p.tracker.ResetConflictAttempts(issue)
}

func (p *HITLPhase) destroyWorkspace(ctx context.Context, issue int) {
	if _, ok := p.tracker.Worktree(issue); !ok {
		return
	}
	if err := p.worktrees.Destroy(ctx, issue); err != nil {
		p.logger.Warn("Failed to destroy worktree for issue %d: %v", issue, err)
		return
	}
	if err := p.tracker.RemoveWorktree(issue); err != nil {
		p.logger.Warn("Failed to clear worktree record for issue %d: %v", issue, err)
	}
	if err := p.tracker.RemoveBranch(issue); err != nil {
		p.logger.Warn("Failed to clear branch record for issue %d: %v", issue, err)
	}
}

// fileSuggestion extracts and files an embedded memory suggestion.
// Extraction or filing failures are logged, never fatal.
func (p *HITLPhase) fileSuggestion(ctx context.Context, issue int, transcript string) {
	if p.filer == nil || transcript == "" {
		return
	}

	suggestion, err := ExtractMemorySuggestion(transcript)
	if err != nil {
		p.logger.Warn("Malformed memory suggestion in issue %d transcript: %v", issue, err)
		return
	}
	if suggestion == nil {
		return
	}

	if err := p.filer.FileMemorySuggestion(ctx, suggestion); err != nil {
		p.logger.Warn("Failed to file memory suggestion from issue %d: %v", issue, err)
	}
}

func (p *HITLPhase) relabel(ctx context.Context, issue int, label string) {
	if err := p.mutator.SwapPipelineLabels(ctx, issue, label, p.cfg.PipelineLabels()); err != nil {
		p.logger.Error("Failed to relabel issue %d to %s: %v", issue, label, err)
	}
}
