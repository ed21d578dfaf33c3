package issues

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	issues   []IssueRecord
	fetchErr error
}

func (f *fakeFetcher) FetchIssuesByLabels(_ context.Context, labels []string, limit int) ([]IssueRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	var out []IssueRecord
	for _, issue := range f.issues {
		for _, label := range labels {
			if issue.HasLabel(label) {
				out = append(out, issue)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchIssueByNumber(_ context.Context, number int) (*IssueRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	for i := range f.issues {
		if f.issues[i].Number == number {
			issue := f.issues[i]
			return &issue, nil
		}
	}
	return nil, nil
}

func issueWithLabel(number int, label string) IssueRecord {
	return IssueRecord{
		Number: number,
		Title:  fmt.Sprintf("issue %d", number),
		Labels: []string{label},
	}
}

func TestGetTriageableExcludesActive(t *testing.T) {
	fetcher := &fakeFetcher{issues: []IssueRecord{
		issueWithLabel(1, "pilot:find"),
		issueWithLabel(2, "pilot:find"),
		issueWithLabel(3, "pilot:find"),
	}}
	store := NewStore(fetcher)

	require.True(t, store.MarkActive(2))

	got, err := store.GetTriageable(context.Background(), "pilot:find", 10)
	require.NoError(t, err)

	numbers := make([]int, 0, len(got))
	for _, issue := range got {
		numbers = append(numbers, issue.Number)
	}
	assert.ElementsMatch(t, []int{1, 3}, numbers)
}

func TestGetTriageableEmptyLabelIsNoop(t *testing.T) {
	store := NewStore(&fakeFetcher{fetchErr: fmt.Errorf("should not be called")})

	got, err := store.GetTriageable(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetByLabelsRespectsCap(t *testing.T) {
	fetcher := &fakeFetcher{}
	for i := 1; i <= 10; i++ {
		fetcher.issues = append(fetcher.issues, issueWithLabel(i, "pilot:work"))
	}
	store := NewStore(fetcher)

	got, err := store.GetByLabels(context.Background(), []string{"pilot:work"}, 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestMarkActiveMutualExclusion(t *testing.T) {
	store := NewStore(&fakeFetcher{})

	assert.True(t, store.MarkActive(5))
	assert.False(t, store.MarkActive(5), "second claim must fail without an intervening release")
	assert.True(t, store.IsActive(5))

	store.Release(5)
	assert.False(t, store.IsActive(5))
	assert.True(t, store.MarkActive(5))
}

// Mutual exclusion under concurrency: for all issues, at no point do two
// goroutines hold the claim from independent MarkActive calls.
func TestMarkActiveConcurrent(t *testing.T) {
	store := NewStore(&fakeFetcher{})

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.MarkActive(42) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one goroutine wins the claim")
}

func TestReleaseInactiveIsNoop(t *testing.T) {
	store := NewStore(&fakeFetcher{})
	store.Release(999) // must not panic
	assert.False(t, store.IsActive(999))
}

func TestResetActive(t *testing.T) {
	store := NewStore(&fakeFetcher{})
	store.MarkActive(1)
	store.MarkActive(2)

	store.ResetActive()
	assert.Empty(t, store.ActiveIssueNumbers())
}

func TestPipelineSnapshotGroupsByLabel(t *testing.T) {
	fetcher := &fakeFetcher{issues: []IssueRecord{
		issueWithLabel(1, "pilot:find"),
		issueWithLabel(3, "pilot:review"),
		issueWithLabel(2, "pilot:find"),
	}}
	store := NewStore(fetcher)

	_, err := store.GetByLabels(context.Background(), []string{"pilot:find", "pilot:review"}, 10)
	require.NoError(t, err)

	snapshot := store.PipelineSnapshot([]string{"pilot:find", "pilot:review"})
	require.Len(t, snapshot["pilot:find"], 2)
	assert.Equal(t, 1, snapshot["pilot:find"][0].Number, "groups are sorted by issue number")
	assert.Equal(t, 2, snapshot["pilot:find"][1].Number)
	assert.Len(t, snapshot["pilot:review"], 1)
}

func TestGetQueueStats(t *testing.T) {
	fetcher := &fakeFetcher{issues: []IssueRecord{
		issueWithLabel(1, "pilot:find"),
		issueWithLabel(2, "pilot:review"),
	}}
	store := NewStore(fetcher)

	_, err := store.GetByLabels(context.Background(), []string{"pilot:find", "pilot:review"}, 10)
	require.NoError(t, err)
	store.MarkActive(1)

	stats := store.GetQueueStats([]string{"pilot:find", "pilot:review"})
	assert.Equal(t, 1, stats.ByLabel["pilot:find"])
	assert.Equal(t, 1, stats.ByLabel["pilot:review"])
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Total)
}

func TestFetchErrorPropagates(t *testing.T) {
	store := NewStore(&fakeFetcher{fetchErr: fmt.Errorf("rate limited")})

	_, err := store.GetByLabels(context.Background(), []string{"pilot:find"}, 5)
	assert.Error(t, err)
}
