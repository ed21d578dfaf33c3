package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/issues"
)

func newTriage(env *testEnv, evaluator TriageEvaluator, stopped StopFunc) *TriagePhase {
	return NewTriagePhase(env.store, env.tracker, env.events, evaluator, env.mutator, env.cfg, nil, stopped)
}

func TestTriageRoutesReadyIssueToPlan(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.records = append(env.fetcher.records, issueWithLabel(11, env.cfg.Labels.Find))

	phase := newTriage(env, &fakeEvaluator{result: TriageResult{Ready: true}}, nil)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Equal(t, env.cfg.Labels.Plan, env.mutator.currentLabel(11))
	assert.False(t, env.store.IsActive(11), "issue must be released after triage")

	routed := env.eventsOfType(t, bus.EventTriageRouted)
	require.Len(t, routed, 1)
	assert.Equal(t, 11, routed[0].Data["issue"])
}

func TestTriageEscalatesUnreadyIssue(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.records = append(env.fetcher.records, issueWithLabel(12, env.cfg.Labels.Find))

	evaluator := &fakeEvaluator{result: TriageResult{Ready: false, Reasons: []string{"too short"}}}
	phase := newTriage(env, evaluator, nil)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Equal(t, env.cfg.Labels.Hitl, env.mutator.currentLabel(12))
	requireOrigin(t, env.tracker, 12, env.cfg.Labels.Find)

	cause, ok := env.tracker.HitlCause(12)
	require.True(t, ok)
	assert.Equal(t, CauseNeedsInfo, cause)

	comments := env.mutator.commentsFor(12)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "too short")

	assert.False(t, env.store.IsActive(12))
	assert.Len(t, env.eventsOfType(t, bus.EventHitlEscalated), 1)
}

func TestTriageEmptyFindLabelIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Labels.Find = ""
	env.fetcher.records = append(env.fetcher.records, issueWithLabel(13, "pilot:find"))

	phase := newTriage(env, &fakeEvaluator{result: TriageResult{Ready: true}}, nil)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Empty(t, env.mutator.swaps)
	assert.Empty(t, env.events.History())
}

func TestTriageNoMatchingIssuesIsNoop(t *testing.T) {
	env := newTestEnv(t)

	phase := newTriage(env, &fakeEvaluator{result: TriageResult{Ready: true}}, nil)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Empty(t, env.mutator.swaps)
}

func TestTriageStopMidBatchLeavesRestUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.records = append(env.fetcher.records,
		issueWithLabel(21, env.cfg.Labels.Find),
		issueWithLabel(22, env.cfg.Labels.Find),
	)

	// Stop after the first issue has been evaluated.
	evaluated := 0
	stopped := func() bool { return evaluated > 0 }
	evaluator := &countingEvaluator{inner: &fakeEvaluator{result: TriageResult{Ready: true}}, count: &evaluated}

	phase := newTriage(env, evaluator, stopped)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Equal(t, env.cfg.Labels.Plan, env.mutator.currentLabel(21))
	assert.Empty(t, env.mutator.swaps[22], "second issue left untouched for next poll")
}

func TestTriageSkipsActiveIssues(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.records = append(env.fetcher.records, issueWithLabel(31, env.cfg.Labels.Find))
	require.True(t, env.store.MarkActive(31))

	phase := newTriage(env, &fakeEvaluator{result: TriageResult{Ready: true}}, nil)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Empty(t, env.mutator.swaps[31], "active issue must not be triaged")
	assert.True(t, env.store.IsActive(31), "claim held elsewhere must survive")
}

func TestTriageEvaluatorErrorIsTransient(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.records = append(env.fetcher.records, issueWithLabel(41, env.cfg.Labels.Find))

	phase := newTriage(env, &fakeEvaluator{err: assert.AnError}, nil)
	require.NoError(t, phase.TriageIssues(context.Background()))

	assert.Empty(t, env.mutator.swaps[41])
	assert.False(t, env.store.IsActive(41), "issue released even when evaluation fails")
	assert.Len(t, env.eventsOfType(t, bus.EventError), 1)
}

// countingEvaluator counts evaluations so tests can stop mid-batch.
type countingEvaluator struct {
	inner TriageEvaluator
	count *int
}

func (e *countingEvaluator) Evaluate(ctx context.Context, issue *issues.IssueRecord) (TriageResult, error) {
	defer func() { *e.count++ }()
	return e.inner.Evaluate(ctx, issue)
}
