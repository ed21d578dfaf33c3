package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// diskState is the serialized form of PipelineState. JSON objects require
// string keys, so issue-number maps are coerced here and nowhere else.
type diskState struct {
	CurrentBatch       int                       `json:"current_batch"`
	ProcessedIssues    map[string]IssueStatus    `json:"processed_issues"`
	ActiveWorktrees    map[string]string         `json:"active_worktrees"`
	ActiveBranches     map[string]string         `json:"active_branches"`
	ReviewedPRs        map[string]string         `json:"reviewed_prs"`
	HitlOrigins        map[string]string         `json:"hitl_origins"`
	HitlCauses         map[string]string         `json:"hitl_causes"`
	ReviewAttempts     map[string]int            `json:"review_attempts"`
	IssueAttempts      map[string]int            `json:"issue_attempts"`
	ConflictAttempts   map[string]int            `json:"conflict_attempts"`
	WorkerResultMeta   map[string]map[string]any `json:"worker_result_meta"`
	ActiveIssueNumbers []int                     `json:"active_issue_numbers"`
	Lifetime           LifetimeStats             `json:"lifetime_stats"`
	LastUpdated        time.Time                 `json:"last_updated"`
}

func toDisk(s *PipelineState) *diskState {
	d := &diskState{
		CurrentBatch:     s.CurrentBatch,
		ProcessedIssues:  stringKeys(s.ProcessedIssues),
		ActiveWorktrees:  stringKeys(s.ActiveWorktrees),
		ActiveBranches:   stringKeys(s.ActiveBranches),
		ReviewedPRs:      stringKeys(s.ReviewedPRs),
		HitlOrigins:      stringKeys(s.HitlOrigins),
		HitlCauses:       stringKeys(s.HitlCauses),
		ReviewAttempts:   stringKeys(s.ReviewAttempts),
		IssueAttempts:    stringKeys(s.IssueAttempts),
		ConflictAttempts: stringKeys(s.ConflictAttempts),
		WorkerResultMeta: stringKeys(s.WorkerResultMeta),
		Lifetime:         s.Lifetime,
		LastUpdated:      s.LastUpdated,
	}

	d.ActiveIssueNumbers = make([]int, 0, len(s.ActiveIssueNumbers))
	for issue := range s.ActiveIssueNumbers {
		d.ActiveIssueNumbers = append(d.ActiveIssueNumbers, issue)
	}

	return d
}

func fromDisk(d *diskState) (PipelineState, error) {
	s := newPipelineState()
	s.CurrentBatch = d.CurrentBatch
	s.LastUpdated = d.LastUpdated

	var err error
	if s.ProcessedIssues, err = intKeys(d.ProcessedIssues); err != nil {
		return s, err
	}
	if s.ActiveWorktrees, err = intKeys(d.ActiveWorktrees); err != nil {
		return s, err
	}
	if s.ActiveBranches, err = intKeys(d.ActiveBranches); err != nil {
		return s, err
	}
	if s.ReviewedPRs, err = intKeys(d.ReviewedPRs); err != nil {
		return s, err
	}
	if s.HitlOrigins, err = intKeys(d.HitlOrigins); err != nil {
		return s, err
	}
	if s.HitlCauses, err = intKeys(d.HitlCauses); err != nil {
		return s, err
	}
	if s.ReviewAttempts, err = intKeys(d.ReviewAttempts); err != nil {
		return s, err
	}
	if s.IssueAttempts, err = intKeys(d.IssueAttempts); err != nil {
		return s, err
	}
	if s.ConflictAttempts, err = intKeys(d.ConflictAttempts); err != nil {
		return s, err
	}
	if s.WorkerResultMeta, err = intKeys(d.WorkerResultMeta); err != nil {
		return s, err
	}

	for _, issue := range d.ActiveIssueNumbers {
		s.ActiveIssueNumbers[issue] = true
	}

	// Missing keys in older files deserialize to nil maps; treat them as
	// their documented defaults to support forward migration.
	s.Lifetime = d.Lifetime
	if s.Lifetime.FiredThresholds == nil {
		s.Lifetime.FiredThresholds = make(map[string]bool)
	}

	return s, nil
}

func stringKeys[V any](src map[int]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[strconv.Itoa(k)] = v
	}
	return dst
}

func intKeys[V any](src map[string]V) (map[int]V, error) {
	dst := make(map[int]V, len(src))
	for k, v := range src {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("non-integer state key %q: %w", k, err)
		}
		dst[n] = v
	}
	return dst, nil
}

// loadState reads the state file. Any failure (missing file, unreadable,
// parse error, bad keys) is returned so the caller can fall back to
// defaults with the original error logged.
func loadState(path string) (PipelineState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineState{}, fmt.Errorf("reading state file: %w", err)
	}

	var d diskState
	if err := json.Unmarshal(data, &d); err != nil {
		return PipelineState{}, fmt.Errorf("parsing state file: %w", err)
	}

	s, err := fromDisk(&d)
	if err != nil {
		return PipelineState{}, fmt.Errorf("decoding state file: %w", err)
	}

	return s, nil
}

// saveState serializes the full state and atomically replaces the target
// file: write to a temp file in the same directory, fsync, then rename. On
// any failure the temp file is removed and the original is left untouched.
func saveState(path string, s *PipelineState) error {
	data, err := json.MarshalIndent(toDisk(s), "", "  ")
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing state file: %w", err)
	}

	return nil
}
