package issues

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIssueStringLabels(t *testing.T) {
	data := []byte(`{
		"number": 12,
		"title": "Crash on empty config",
		"body": "Steps to reproduce...",
		"labels": ["bug", "pilot:find"],
		"comments": ["me too"],
		"url": "https://github.com/example/repo/issues/12"
	}`)

	issue, err := ParseIssue(data)
	require.NoError(t, err)

	assert.Equal(t, 12, issue.Number)
	assert.Equal(t, []string{"bug", "pilot:find"}, issue.Labels)
	assert.Equal(t, []string{"me too"}, issue.Comments)
}

func TestParseIssueStructuredLabels(t *testing.T) {
	data := []byte(`{
		"number": 13,
		"title": "Structured shapes",
		"labels": [{"name": "pilot:hitl", "color": "ff0000"}, "triage"],
		"comments": [{"body": "please add logs", "author": "alice"}]
	}`)

	issue, err := ParseIssue(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"pilot:hitl", "triage"}, issue.Labels)
	assert.Equal(t, []string{"please add logs"}, issue.Comments)
	assert.True(t, issue.HasLabel("pilot:hitl"))
}

func TestParseIssueList(t *testing.T) {
	data := []byte(`[
		{"number": 1, "labels": ["a"]},
		{"number": 2, "labels": [{"name": "b"}]}
	]`)

	records, err := ParseIssueList(data)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"a"}, records[0].Labels)
	assert.Equal(t, []string{"b"}, records[1].Labels)
}

func TestParseIssueInvalidLabelShape(t *testing.T) {
	_, err := ParseIssue([]byte(`{"number": 1, "labels": [42]}`))
	assert.Error(t, err)
}
