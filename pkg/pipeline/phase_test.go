package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"issuepilot/pkg/bus"
	"issuepilot/pkg/config"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/limiter"
	"issuepilot/pkg/state"
)

// fakeFetcher serves canned issue records to the store.
type fakeFetcher struct {
	mu         sync.Mutex
	records    []issues.IssueRecord
	fetchEr    error
	byNumberEr error
}

func (f *fakeFetcher) FetchIssuesByLabels(_ context.Context, labels []string, limit int) ([]issues.IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchEr != nil {
		return nil, f.fetchEr
	}

	var out []issues.IssueRecord
	for _, rec := range f.records {
		for _, label := range labels {
			if rec.HasLabel(label) {
				out = append(out, rec)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchIssueByNumber(_ context.Context, number int) (*issues.IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byNumberEr != nil {
		return nil, f.byNumberEr
	}
	for i := range f.records {
		if f.records[i].Number == number {
			rec := f.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// fakeMutator records label and comment mutations.
type fakeMutator struct {
	mu       sync.Mutex
	swaps    map[int][]string
	comments map[int][]string
	swapErr  error

	pushOK      bool
	pushErr     error
	pushed      []string
	prByBranch  map[string]int
	diffNames   map[int][]string
}

func newFakeMutator() *fakeMutator {
	return &fakeMutator{
		swaps:      make(map[int][]string),
		comments:   make(map[int][]string),
		pushOK:     true,
		prByBranch: make(map[string]int),
		diffNames:  make(map[int][]string),
	}
}

func (m *fakeMutator) AddLabels(_ context.Context, issue int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps[issue] = append(m.swaps[issue], labels...)
	return nil
}

func (m *fakeMutator) RemoveLabel(_ context.Context, _ int, _ string) error { return nil }

func (m *fakeMutator) SwapPipelineLabels(_ context.Context, issue int, newLabel string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.swapErr != nil {
		return m.swapErr
	}
	m.swaps[issue] = append(m.swaps[issue], newLabel)
	return nil
}

func (m *fakeMutator) PostComment(_ context.Context, issue int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[issue] = append(m.comments[issue], text)
	return nil
}

func (m *fakeMutator) PushBranch(_ context.Context, _, branch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, branch)
	return m.pushOK, m.pushErr
}

func (m *fakeMutator) GetPrDiffNames(_ context.Context, pr int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diffNames[pr], nil
}

func (m *fakeMutator) PRForBranch(_ context.Context, branch string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prByBranch[branch], nil
}

// currentLabel returns the most recent label an issue was swapped to.
func (m *fakeMutator) currentLabel(issue int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	swaps := m.swaps[issue]
	if len(swaps) == 0 {
		return ""
	}
	return swaps[len(swaps)-1]
}

func (m *fakeMutator) commentsFor(issue int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[issue]...)
}

// fakeWorktrees records workspace operations.
type fakeWorktrees struct {
	mu         sync.Mutex
	mergeClean bool
	mergeErr   error
	divergeLog string
	destroyed  []int
	aborted    []int
}

func (w *fakeWorktrees) BranchFor(issue int) string {
	return fmt.Sprintf("pilot/issue-%d", issue)
}

func (w *fakeWorktrees) Create(_ context.Context, issue int) (string, error) {
	return fmt.Sprintf("/tmp/wt/issue-%d", issue), nil
}

func (w *fakeWorktrees) Destroy(_ context.Context, issue int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, issue)
	return nil
}

func (w *fakeWorktrees) StartMergeMain(_ context.Context, _ int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mergeClean, w.mergeErr
}

func (w *fakeWorktrees) AbortMerge(_ context.Context, issue int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = append(w.aborted, issue)
	return nil
}

func (w *fakeWorktrees) MainCommitsSinceDiverge(_ context.Context, _ int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.divergeLog, nil
}

// fakeAgent returns a canned correction result.
type fakeAgent struct {
	mu          sync.Mutex
	result      CorrectionResult
	err         error
	corrections []string
}

func (a *fakeAgent) Run(_ context.Context, _ *issues.IssueRecord, correction string) (CorrectionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrections = append(a.corrections, correction)
	return a.result, a.err
}

// fakeEvaluator returns a canned triage verdict.
type fakeEvaluator struct {
	result TriageResult
	err    error
}

func (e *fakeEvaluator) Evaluate(_ context.Context, _ *issues.IssueRecord) (TriageResult, error) {
	return e.result, e.err
}

// fakeFiler records filed suggestions.
type fakeFiler struct {
	mu    sync.Mutex
	filed []*MemorySuggestion
	err   error
}

func (f *fakeFiler) FileMemorySuggestion(_ context.Context, s *MemorySuggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.filed = append(f.filed, s)
	return nil
}

// testEnv wires the shared collaborators a phase test needs.
type testEnv struct {
	cfg     *config.Config
	tracker *state.Tracker
	store   *issues.Store
	events  *bus.Bus
	slots   *limiter.Limiter
	fetcher *fakeFetcher
	mutator *fakeMutator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")

	fetcher := &fakeFetcher{}
	return &testEnv{
		cfg:     cfg,
		tracker: state.New(cfg.StateFile),
		store:   issues.NewStore(fetcher),
		events:  bus.New(100),
		slots:   limiter.NewLimiter(cfg),
		fetcher: fetcher,
		mutator: newFakeMutator(),
	}
}

// eventsOfType counts published events of one type in bus history.
func (e *testEnv) eventsOfType(t *testing.T, eventType string) []bus.Event {
	t.Helper()
	var out []bus.Event
	for _, ev := range e.events.History() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// newSingleCorrectorLimiter builds a limiter from the env config and
// occupies the single corrector slot.
func newSingleCorrectorLimiter(t *testing.T, env *testEnv) *limiter.Limiter {
	t.Helper()
	slots := limiter.NewLimiter(env.cfg)
	require.NoError(t, slots.Acquire(limiter.PhaseCorrect))
	return slots
}

func issueWithLabel(number int, label string) issues.IssueRecord {
	return issues.IssueRecord{
		Number: number,
		Title:  fmt.Sprintf("issue %d", number),
		Body:   "body",
		Labels: []string{label},
	}
}

func requireOrigin(t *testing.T, tracker *state.Tracker, issue int, want string) {
	t.Helper()
	origin, ok := tracker.HitlOrigin(issue)
	require.True(t, ok, "issue %d should have a HITL origin", issue)
	require.Equal(t, want, origin)
}
