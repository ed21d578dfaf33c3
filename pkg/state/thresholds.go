package state

import "fmt"

// minIssuesForThresholds is the completed-issue floor below which rates are
// too noisy to act on.
const minIssuesForThresholds = 5

// Threshold names recorded in FiredThresholds.
const (
	ThresholdQualityFix = "quality_fix_rate"
	ThresholdApproval   = "approval_rate"
	ThresholdHitl       = "hitl_rate"
)

// ProposalKind distinguishes a newly crossed threshold from a recovery.
type ProposalKind string

const (
	ProposalCrossed   ProposalKind = "crossed"
	ProposalRecovered ProposalKind = "recovered"
)

// ThresholdProposal is a derived signal that a lifetime metric crossed (or
// recovered below) a configured bound. Filing the resulting
// self-improvement issue is the caller's job, deliberately decoupled from
// detection.
type ThresholdProposal struct {
	Name    string
	Kind    ProposalKind
	Value   float64
	Bound   float64
	Message string
}

// MarkThresholdFired records that a threshold has fired. Idempotent: marking
// twice leaves the set containing the name exactly once.
func (t *Tracker) MarkThresholdFired(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Lifetime.FiredThresholds[name] = true
	return t.save()
}

// ClearThresholdFired removes a threshold from the fired set, re-arming it.
func (t *Tracker) ClearThresholdFired(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.state.Lifetime.FiredThresholds, name)
	return t.save()
}

// IsThresholdFired reports whether a threshold is currently fired.
func (t *Tracker) IsThresholdFired(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Lifetime.FiredThresholds[name]
}

// RecordIssueCompleted accumulates a completed issue and its duration into
// lifetime stats.
func (t *Tracker) RecordIssueCompleted(durationSec float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Lifetime.IssuesCompleted++
	t.state.Lifetime.TotalDurationSec += durationSec
	return t.save()
}

// RecordPRMerged accumulates a merged PR into lifetime stats.
func (t *Tracker) RecordPRMerged() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Lifetime.PRsMerged++
	return t.save()
}

// RecordQualityFixRounds accumulates quality-fix rounds into lifetime stats.
func (t *Tracker) RecordQualityFixRounds(rounds int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Lifetime.QualityFixRounds += rounds
	return t.save()
}

// RecordHitlEscalation accumulates a HITL escalation into lifetime stats.
func (t *Tracker) RecordHitlEscalation() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Lifetime.HitlEscalations++
	return t.save()
}

// RecordReviewVerdict accumulates a review verdict into lifetime stats.
func (t *Tracker) RecordReviewVerdict(approved bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if approved {
		t.state.Lifetime.ReviewApprovals++
	} else {
		t.state.Lifetime.ReviewRejections++
	}
	return t.save()
}

// LifetimeStats returns a copy of the accumulated lifetime stats.
func (t *Tracker) LifetimeStats() LifetimeStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.state.Lifetime
	stats.FiredThresholds = make(map[string]bool, len(t.state.Lifetime.FiredThresholds))
	for name, fired := range t.state.Lifetime.FiredThresholds {
		stats.FiredThresholds[name] = fired
	}
	return stats
}

// CheckThresholds computes derived rates from lifetime stats and returns the
// thresholds that newly crossed their bound or newly recovered below it.
// Each threshold fires at most once until it recovers: the fired set is
// updated (and persisted) as part of the check.
//
// Rates are only meaningful after a minimum number of completed issues;
// before that the check is a no-op.
func (t *Tracker) CheckThresholds(qualityFixBound, approvalBound, hitlBound float64) ([]ThresholdProposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := &t.state.Lifetime
	if stats.IssuesCompleted < minIssuesForThresholds {
		return nil, nil
	}

	completed := float64(stats.IssuesCompleted)
	var proposals []ThresholdProposal
	changed := false

	// Quality-fix rate: average fix rounds per completed issue. High is bad.
	qualityRate := float64(stats.QualityFixRounds) / completed
	if p, dirty := t.evaluateHighThreshold(ThresholdQualityFix, qualityRate, qualityFixBound,
		"quality-fix rounds per issue"); p != nil {
		proposals = append(proposals, *p)
		changed = changed || dirty
	}

	// Approval rate: share of review verdicts that approved. Low is bad.
	if verdicts := stats.ReviewApprovals + stats.ReviewRejections; verdicts > 0 {
		approvalRate := float64(stats.ReviewApprovals) / float64(verdicts)
		if p, dirty := t.evaluateLowThreshold(ThresholdApproval, approvalRate, approvalBound,
			"review approval rate"); p != nil {
			proposals = append(proposals, *p)
			changed = changed || dirty
		}
	}

	// HITL rate: escalations per completed issue. High is bad.
	hitlRate := float64(stats.HitlEscalations) / completed
	if p, dirty := t.evaluateHighThreshold(ThresholdHitl, hitlRate, hitlBound,
		"HITL escalations per issue"); p != nil {
		proposals = append(proposals, *p)
		changed = changed || dirty
	}

	if changed {
		if err := t.save(); err != nil {
			return nil, err
		}
	}

	return proposals, nil
}

// evaluateHighThreshold handles metrics where exceeding the bound is bad.
// Callers must hold t.mu.
func (t *Tracker) evaluateHighThreshold(name string, value, bound float64, desc string) (*ThresholdProposal, bool) {
	fired := t.state.Lifetime.FiredThresholds[name]

	if value > bound && !fired {
		t.state.Lifetime.FiredThresholds[name] = true
		return &ThresholdProposal{
			Name:    name,
			Kind:    ProposalCrossed,
			Value:   value,
			Bound:   bound,
			Message: fmt.Sprintf("%s is %.2f, above the configured bound %.2f", desc, value, bound),
		}, true
	}

	if value <= bound && fired {
		delete(t.state.Lifetime.FiredThresholds, name)
		return &ThresholdProposal{
			Name:    name,
			Kind:    ProposalRecovered,
			Value:   value,
			Bound:   bound,
			Message: fmt.Sprintf("%s recovered to %.2f, within the configured bound %.2f", desc, value, bound),
		}, true
	}

	return nil, false
}

// evaluateLowThreshold handles metrics where falling below the bound is bad.
// Callers must hold t.mu.
func (t *Tracker) evaluateLowThreshold(name string, value, bound float64, desc string) (*ThresholdProposal, bool) {
	fired := t.state.Lifetime.FiredThresholds[name]

	if value < bound && !fired {
		t.state.Lifetime.FiredThresholds[name] = true
		return &ThresholdProposal{
			Name:    name,
			Kind:    ProposalCrossed,
			Value:   value,
			Bound:   bound,
			Message: fmt.Sprintf("%s is %.2f, below the configured bound %.2f", desc, value, bound),
		}, true
	}

	if value >= bound && fired {
		delete(t.state.Lifetime.FiredThresholds, name)
		return &ThresholdProposal{
			Name:    name,
			Kind:    ProposalRecovered,
			Value:   value,
			Bound:   bound,
			Message: fmt.Sprintf("%s recovered to %.2f, within the configured bound %.2f", desc, value, bound),
		}, true
	}

	return nil, false
}
