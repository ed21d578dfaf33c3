package pipeline

import (
	"context"
	"fmt"
	"strings"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/config"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/state"
)

// CauseNeedsInfo is the escalation cause recorded when triage finds an
// issue too thin to plan.
const CauseNeedsInfo = "triage: issue needs more information"

// TriagePhase routes find-labeled issues: ready issues move to the plan
// label, underspecified ones escalate to HITL with a structured comment.
type TriagePhase struct {
	store     *issues.Store
	tracker   *state.Tracker
	events    *bus.Bus
	evaluator TriageEvaluator
	mutator   LabelMutator
	cfg       *config.Config
	recorder  *metrics.Recorder
	stopped   StopFunc
	logger    *logx.Logger
}

// NewTriagePhase creates the triage phase. recorder may be nil.
func NewTriagePhase(
	store *issues.Store,
	tracker *state.Tracker,
	events *bus.Bus,
	evaluator TriageEvaluator,
	mutator LabelMutator,
	cfg *config.Config,
	recorder *metrics.Recorder,
	stopped StopFunc,
) *TriagePhase {
	if stopped == nil {
		stopped = neverStop
	}
	return &TriagePhase{
		store:     store,
		tracker:   tracker,
		events:    events,
		evaluator: evaluator,
		mutator:   mutator,
		cfg:       cfg,
		recorder:  recorder,
		stopped:   stopped,
		logger:    logx.NewLogger("triage"),
	}
}

// TriageIssues fetches a batch of find-labeled issues and routes each one.
// An empty find-label configuration or an empty batch is a no-op. A stop
// requested mid-batch leaves unevaluated issues untouched for the next
// poll.
func (p *TriagePhase) TriageIssues(ctx context.Context) error {
	findLabel := p.cfg.Labels.Find
	if findLabel == "" {
		return nil
	}

	batch, err := p.store.GetTriageable(ctx, findLabel, p.cfg.Limits.TriageBatch)
	if err != nil {
		return fmt.Errorf("failed to fetch triageable issues: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	p.logger.Info("Triaging %d issue(s)", len(batch))

	for i := range batch {
		if p.stopped() || ctx.Err() != nil {
			p.logger.Info("Stop requested, leaving %d issue(s) for next poll", len(batch)-i)
			return nil
		}

		issue := &batch[i]
		if !p.store.MarkActive(issue.Number) {
			continue
		}
		p.triageOne(ctx, issue)
	}

	return nil
}

// triageOne evaluates and routes a single marked-active issue. The issue
// is released from the active set on every exit path.
func (p *TriagePhase) triageOne(ctx context.Context, issue *issues.IssueRecord) {
	defer p.store.Release(issue.Number)

	result, err := p.evaluator.Evaluate(ctx, issue)
	if err != nil {
		p.logger.Error("Triage evaluation of issue %d failed: %v", issue.Number, err)
		p.events.Publish(bus.NewEvent(bus.EventError, map[string]any{
			"phase": string(PhaseTriage),
			"issue": issue.Number,
			"error": err.Error(),
		}))
		return
	}

	if result.Ready {
		p.routeReady(ctx, issue)
	} else {
		p.escalate(ctx, issue, result.Reasons)
	}
}

func (p *TriagePhase) routeReady(ctx context.Context, issue *issues.IssueRecord) {
	if err := p.mutator.SwapPipelineLabels(ctx, issue.Number, p.cfg.Labels.Plan, p.cfg.PipelineLabels()); err != nil {
		p.logger.Error("Failed to move issue %d to plan: %v", issue.Number, err)
		return
	}

	p.logger.Info("Issue %d ready, moved to %s", issue.Number, p.cfg.Labels.Plan)
	p.events.Publish(bus.NewEvent(bus.EventTriageRouted, map[string]any{
		"issue": issue.Number,
		"ready": true,
		"label": p.cfg.Labels.Plan,
	}))
}

func (p *TriagePhase) escalate(ctx context.Context, issue *issues.IssueRecord, reasons []string) {
	number := issue.Number

	if err := p.mutator.SwapPipelineLabels(ctx, number, p.cfg.Labels.Hitl, p.cfg.PipelineLabels()); err != nil {
		p.logger.Error("Failed to escalate issue %d: %v", number, err)
		return
	}

	if err := p.tracker.SetHitlOrigin(number, p.cfg.Labels.Find); err != nil {
		p.logger.Error("Failed to record HITL origin for issue %d: %v", number, err)
	}
	if err := p.tracker.SetHitlCause(number, CauseNeedsInfo); err != nil {
		p.logger.Error("Failed to record HITL cause for issue %d: %v", number, err)
	}
	if err := p.tracker.RecordHitlEscalation(); err != nil {
		p.logger.Warn("Failed to record escalation stat: %v", err)
	}

	if err := p.mutator.PostComment(ctx, number, triageComment(reasons, p.cfg.Labels.Find)); err != nil {
		p.logger.Warn("Failed to post triage comment on issue %d: %v", number, err)
	}

	if p.recorder != nil {
		p.recorder.ObserveEscalation(p.cfg.Labels.Find)
	}
	p.logger.Info("Issue %d escalated to HITL: %v", number, reasons)
	p.events.Publish(bus.NewEvent(bus.EventHitlEscalated, map[string]any{
		"issue":   number,
		"origin":  p.cfg.Labels.Find,
		"cause":   CauseNeedsInfo,
		"reasons": reasons,
	}))
}

// triageComment builds the structured escalation comment enumerating the
// evaluator's missing-information reasons.
func triageComment(reasons []string, findLabel string) string {
	var b strings.Builder
	b.WriteString("This issue needs more information before it can be planned:\n\n")
	for _, reason := range reasons {
		fmt.Fprintf(&b, "- %s\n", reason)
	}
	fmt.Fprintf(&b, "\nAdd the missing details, then re-apply the `%s` label to retry triage.", findLabel)
	return b.String()
}
