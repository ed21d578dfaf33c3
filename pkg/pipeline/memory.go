package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"issuepilot/pkg/logx"
)

// Agent transcripts may embed one structured learning suggestion between
// these markers. The block body is JSON.
const (
	memoryBlockStart = "<memory-suggestion>"
	memoryBlockEnd   = "</memory-suggestion>"
)

// MemorySuggestion is a learning record an agent proposes during a run,
// e.g. a recurring failure mode worth a standing fix.
type MemorySuggestion struct {
	Title      string `json:"title"`
	Insight    string `json:"insight"`
	SourceTag  string `json:"source_tag,omitempty"`
	ContextTag string `json:"context_tag,omitempty"`
}

// ExtractMemorySuggestion pulls the embedded suggestion block out of an
// agent transcript. Returns (nil, nil) when no block is present and an
// error only for a present-but-malformed block.
func ExtractMemorySuggestion(transcript string) (*MemorySuggestion, error) {
	start := strings.Index(transcript, memoryBlockStart)
	if start < 0 {
		return nil, nil
	}
	rest := transcript[start+len(memoryBlockStart):]
	end := strings.Index(rest, memoryBlockEnd)
	if end < 0 {
		return nil, fmt.Errorf("memory suggestion block is not terminated")
	}

	var suggestion MemorySuggestion
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &suggestion); err != nil {
		return nil, fmt.Errorf("failed to parse memory suggestion: %w", err)
	}
	if suggestion.Title == "" {
		return nil, fmt.Errorf("memory suggestion has no title")
	}
	return &suggestion, nil
}

// IssueCreator files new issues upstream.
type IssueCreator interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
}

// IssueMemoryFiler files memory suggestions as improvement-labeled issues
// so they re-enter the pipeline through triage.
type IssueMemoryFiler struct {
	creator      IssueCreator
	improveLabel string
	logger       *logx.Logger
}

// NewIssueMemoryFiler creates a filer posting to the given creator.
func NewIssueMemoryFiler(creator IssueCreator, improveLabel string) *IssueMemoryFiler {
	return &IssueMemoryFiler{
		creator:      creator,
		improveLabel: improveLabel,
		logger:       logx.NewLogger("memory"),
	}
}

// FileMemorySuggestion files the suggestion as a new issue.
func (f *IssueMemoryFiler) FileMemorySuggestion(ctx context.Context, suggestion *MemorySuggestion) error {
	body := suggestion.Insight
	if suggestion.SourceTag != "" || suggestion.ContextTag != "" {
		body = fmt.Sprintf("%s\n\n_source: %s, context: %s_", suggestion.Insight, suggestion.SourceTag, suggestion.ContextTag)
	}

	number, err := f.creator.CreateIssue(ctx, suggestion.Title, body, []string{f.improveLabel})
	if err != nil {
		return fmt.Errorf("failed to file memory suggestion: %w", err)
	}

	f.logger.Info("Filed memory suggestion as issue %d: %s", number, suggestion.Title)
	return nil
}
