// Package orch owns the process lifecycle: it supervises the four
// pipeline loops, relays dashboard commands, and keeps one loop's fatal
// error from taking down the others.
package orch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/config"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/limiter"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/pipeline"
	"issuepilot/pkg/state"
)

// RunState is the derived lifecycle status of the orchestrator.
type RunState string

const (
	StateIdle     RunState = "idle"
	StateRunning  RunState = "running"
	StateStopping RunState = "stopping"
	StateDone     RunState = "done"
)

// ErrAlreadyRunning is returned by Run when a run is in progress.
var ErrAlreadyRunning = fmt.Errorf("orchestrator is already running")

// ErrRunning is returned by Reset while a run is in progress.
var ErrRunning = fmt.Errorf("orchestrator must be stopped before reset")

// Planner produces an implementation plan for a triaged issue.
type Planner interface {
	Plan(ctx context.Context, issue *issues.IssueRecord) error
}

// Worker implements a planned issue inside its worktree.
type Worker interface {
	Implement(ctx context.Context, issue *issues.IssueRecord, worktreePath string) error
}

// Reviewer reviews an implemented issue's branch.
type Reviewer interface {
	Review(ctx context.Context, issue *issues.IssueRecord) (approved bool, feedback string, err error)
}

// LabelEnsurer creates missing pipeline labels upstream before a run.
type LabelEnsurer interface {
	EnsureLabels(ctx context.Context, labels []string) error
}

// Deps bundles the orchestrator's collaborators. Everything is injected;
// the orchestrator constructs nothing itself.
type Deps struct {
	Config    *config.Config
	Tracker   *state.Tracker
	Store     *issues.Store
	Events    *bus.Bus
	Slots     *limiter.Limiter
	Triage    *pipeline.TriagePhase
	Hitl      *pipeline.HITLPhase
	Unsticker *pipeline.PRUnsticker
	Planner   Planner
	Worker    Worker
	Reviewer  Reviewer
	Mutator   pipeline.LabelMutator
	Worktrees pipeline.WorktreeManager
	Ensurer   LabelEnsurer
	Creator   pipeline.IssueCreator
	Recorder  *metrics.Recorder
}

// Orchestrator supervises the triage, plan, implement, and review loops.
type Orchestrator struct {
	deps   Deps
	logger *logx.Logger

	running  atomic.Bool
	stopFlag atomic.Bool
	sawDone  atomic.Bool

	mu        sync.Mutex
	cancelRun context.CancelFunc
	doneCh    chan struct{}
	wg        sync.WaitGroup

	inputMu   sync.Mutex
	answers   map[int]string
	questions map[int]string
}

// New creates an orchestrator from its dependency bundle.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:      deps,
		logger:    logx.NewLogger("orch"),
		answers:   make(map[int]string),
		questions: make(map[int]string),
	}
}

// StopRequested reports whether a stop has been requested. Phases use it
// as their per-issue stop check.
func (o *Orchestrator) StopRequested() bool {
	return o.stopFlag.Load()
}

// Run starts the four supervised loops and blocks until they all exit
// after a stop request. A second concurrent Run fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	o.stopFlag.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelRun = cancel
	o.doneCh = make(chan struct{})
	doneCh := o.doneCh
	o.mu.Unlock()
	defer cancel()

	o.logger.Info("Pipeline starting")
	o.deps.Events.Publish(bus.NewEvent(bus.EventStatus, map[string]any{"status": string(StateRunning)}))

	if o.deps.Ensurer != nil {
		if err := o.deps.Ensurer.EnsureLabels(runCtx, o.deps.Config.PipelineLabels()); err != nil {
			o.logger.Warn("Failed to ensure pipeline labels: %v", err)
		}
	}

	cfg := o.deps.Config
	o.supervise(runCtx, doneCh, "triage", cfg.TriageInterval(), o.triageIteration)
	o.supervise(runCtx, doneCh, "plan", cfg.PlanInterval(), o.planIteration)
	o.supervise(runCtx, doneCh, "implement", cfg.ImplementInterval(), o.implementIteration)
	o.supervise(runCtx, doneCh, "review", cfg.ReviewInterval(), o.reviewIteration)

	o.wg.Wait()

	o.deps.Events.Publish(bus.NewEvent(bus.EventStatus, map[string]any{"status": "stopped"}))
	o.logger.Info("Pipeline stopped")
	return nil
}

// RequestStop sets the stop flag and cancels in-flight agent work. It
// returns immediately; Run unblocks once the loops drain.
func (o *Orchestrator) RequestStop() {
	if o.stopFlag.CompareAndSwap(false, true) {
		o.logger.Info("Stop requested")
		o.deps.Events.Publish(bus.NewEvent(bus.EventStatus, map[string]any{"status": string(StateStopping)}))
	}

	o.mu.Lock()
	if o.doneCh != nil {
		select {
		case <-o.doneCh:
		default:
			close(o.doneCh)
		}
	}
	if o.cancelRun != nil {
		o.cancelRun()
	}
	o.mu.Unlock()
}

// Stop requests a stop; the caller is expected to wait on Run's return.
func (o *Orchestrator) Stop() {
	o.RequestStop()
}

// Reset clears the stop flag and the active-issue set so a fresh Run can
// start cleanly. Per-run tracker state is cleared too; lifetime stats
// survive.
func (o *Orchestrator) Reset() error {
	if o.running.Load() {
		return ErrRunning
	}

	o.stopFlag.Store(false)
	o.sawDone.Store(false)
	o.deps.Store.ResetActive()
	if err := o.deps.Tracker.Reset(); err != nil {
		return fmt.Errorf("failed to reset tracker: %w", err)
	}

	o.deps.Events.Publish(bus.NewEvent(bus.EventStatus, map[string]any{"status": string(StateIdle)}))
	o.logger.Info("Pipeline reset")
	return nil
}

// RunStatus derives the lifecycle status; it is never stored.
func (o *Orchestrator) RunStatus() RunState {
	running := o.running.Load()
	switch {
	case running && o.stopFlag.Load():
		return StateStopping
	case running:
		return StateRunning
	case o.sawDone.Load():
		return StateDone
	default:
		return StateIdle
	}
}

// ProvideHumanInput stores an operator answer for a worker's pending
// question and clears the question.
func (o *Orchestrator) ProvideHumanInput(issue int, answer string) {
	o.inputMu.Lock()
	o.answers[issue] = answer
	delete(o.questions, issue)
	o.inputMu.Unlock()
	o.logger.Info("Human input stored for issue %d", issue)
}

// RegisterQuestion records a mid-task clarifying question from a worker.
func (o *Orchestrator) RegisterQuestion(issue int, question string) {
	o.inputMu.Lock()
	o.questions[issue] = question
	o.inputMu.Unlock()
}

// PendingQuestion returns the open question for an issue, if any.
func (o *Orchestrator) PendingQuestion(issue int) (string, bool) {
	o.inputMu.Lock()
	defer o.inputMu.Unlock()
	q, ok := o.questions[issue]
	return q, ok
}

// TakeHumanInput consumes a stored answer for an issue.
func (o *Orchestrator) TakeHumanInput(issue int) (string, bool) {
	o.inputMu.Lock()
	defer o.inputMu.Unlock()
	answer, ok := o.answers[issue]
	if ok {
		delete(o.answers, issue)
	}
	return answer, ok
}

// SubmitHitlCorrection relays a dashboard correction to the HITL phase.
func (o *Orchestrator) SubmitHitlCorrection(issue int, text string) {
	o.deps.Hitl.SubmitCorrection(issue, text)
}

// SkipHitlIssue relays a dashboard skip to the HITL phase.
func (o *Orchestrator) SkipHitlIssue(ctx context.Context, issue int) error {
	return o.deps.Hitl.Skip(ctx, issue)
}
