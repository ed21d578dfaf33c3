// Package issues provides the in-memory view of open, fetchable issues and
// the cross-phase active-issue registry. The active set, not timing, is what
// prevents two phases from processing the same issue concurrently.
package issues

import (
	"context"
	"sort"
	"sync"

	"issuepilot/pkg/logx"
)

// IssueRecord is the normalized form of an upstream issue. Labels and
// comments are always plain strings regardless of how the fetch collaborator
// delivered them.
type IssueRecord struct {
	Number   int      `json:"number"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Labels   []string `json:"labels"`
	Comments []string `json:"comments"`
	URL      string   `json:"url"`
}

// HasLabel reports whether the issue carries the given label.
func (r *IssueRecord) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Fetcher is the injected issue-fetching collaborator.
type Fetcher interface {
	FetchIssuesByLabels(ctx context.Context, labels []string, limit int) ([]IssueRecord, error)
	FetchIssueByNumber(ctx context.Context, number int) (*IssueRecord, error)
}

// QueueStats summarizes tracked issues per pipeline stage label.
type QueueStats struct {
	ByLabel map[string]int `json:"by_label"`
	Active  int            `json:"active"`
	Total   int            `json:"total"`
}

// Store caches fetched issues and owns the active-issue mutual-exclusion
// registry. Safe for concurrent use by all phases.
type Store struct {
	mu      sync.Mutex
	fetcher Fetcher
	known   map[int]IssueRecord
	active  map[int]bool
	logger  *logx.Logger
}

// NewStore creates an issue store backed by the given fetch collaborator.
func NewStore(fetcher Fetcher) *Store {
	return &Store{
		fetcher: fetcher,
		known:   make(map[int]IssueRecord),
		active:  make(map[int]bool),
		logger:  logx.NewLogger("issues"),
	}
}

// GetByLabels fetches open issues carrying any of the given labels,
// excluding issues currently claimed by a phase, capped at maxCount.
func (s *Store) GetByLabels(ctx context.Context, labels []string, maxCount int) ([]IssueRecord, error) {
	if len(labels) == 0 || maxCount <= 0 {
		return nil, nil
	}

	// Over-fetch so that active issues don't starve the batch.
	fetched, err := s.fetcher.FetchIssuesByLabels(ctx, labels, maxCount*2)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]IssueRecord, 0, maxCount)
	for _, issue := range fetched {
		s.known[issue.Number] = issue
		if s.active[issue.Number] {
			continue
		}
		if len(out) < maxCount {
			out = append(out, issue)
		}
	}

	return out, nil
}

// GetTriageable returns up to maxCount issues carrying the find label,
// excluding active ones. An empty label is a no-op.
func (s *Store) GetTriageable(ctx context.Context, findLabel string, maxCount int) ([]IssueRecord, error) {
	if findLabel == "" {
		return nil, nil
	}
	return s.GetByLabels(ctx, []string{findLabel}, maxCount)
}

// GetByNumber fetches the live issue by number, refreshing the cache.
func (s *Store) GetByNumber(ctx context.Context, number int) (*IssueRecord, error) {
	issue, err := s.fetcher.FetchIssueByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.known[issue.Number] = *issue
	s.mu.Unlock()

	return issue, nil
}

// MarkActive claims an issue for a phase. Returns false when some phase
// already holds the claim; a phase must not proceed on false.
func (s *Store) MarkActive(number int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[number] {
		return false
	}
	s.active[number] = true
	return true
}

// Release drops the claim on an issue. Must be reachable from every exit
// path of a phase's per-issue handler. Releasing an unclaimed issue is a
// logged no-op.
func (s *Store) Release(number int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active[number] {
		s.logger.Debug("release of inactive issue %d", number)
		return
	}
	delete(s.active, number)
}

// IsActive reports whether an issue is currently claimed by any phase.
func (s *Store) IsActive(number int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[number]
}

// ActiveIssueNumbers returns a sorted copy of the active set.
func (s *Store) ActiveIssueNumbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	numbers := make([]int, 0, len(s.active))
	for n := range s.active {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// ResetActive clears the whole active set. Used by orchestrator reset so a
// fresh run starts with no stale claims.
func (s *Store) ResetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[int]bool)
}

// PipelineSnapshot groups every tracked issue by pipeline stage label.
// Issues carrying none of the given labels are omitted.
func (s *Store) PipelineSnapshot(stageLabels []string) map[string][]IssueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string][]IssueRecord)
	for _, issue := range s.known {
		for _, label := range stageLabels {
			if label != "" && issue.HasLabel(label) {
				snapshot[label] = append(snapshot[label], issue)
				break
			}
		}
	}

	for label := range snapshot {
		group := snapshot[label]
		sort.Slice(group, func(i, j int) bool { return group[i].Number < group[j].Number })
	}

	return snapshot
}

// GetQueueStats returns per-stage issue counts for observability.
func (s *Store) GetQueueStats(stageLabels []string) QueueStats {
	snapshot := s.PipelineSnapshot(stageLabels)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := QueueStats{
		ByLabel: make(map[string]int, len(snapshot)),
		Active:  len(s.active),
		Total:   len(s.known),
	}
	for label, group := range snapshot {
		stats.ByLabel[label] = len(group)
	}
	return stats
}
