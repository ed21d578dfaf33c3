package issues

import (
	"encoding/json"
	"fmt"
)

// Upstream APIs deliver labels either as bare strings or as objects with a
// "name" field, and comments either as strings or objects with a "body"
// field. The types below normalize both shapes to plain strings during
// unmarshaling so the rest of the pipeline never sees the difference.

// LabelField unmarshals a label from either a string or {"name": "..."}.
type LabelField string

func (l *LabelField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = LabelField(s)
		return nil
	}

	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("label is neither string nor object: %w", err)
	}
	*l = LabelField(obj.Name)
	return nil
}

// CommentField unmarshals a comment from either a string or {"body": "..."}.
type CommentField string

func (c *CommentField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = CommentField(s)
		return nil
	}

	var obj struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("comment is neither string nor object: %w", err)
	}
	*c = CommentField(obj.Body)
	return nil
}

// rawIssue is the wire shape accepted from upstream fetchers.
type rawIssue struct {
	Number   int            `json:"number"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Labels   []LabelField   `json:"labels"`
	Comments []CommentField `json:"comments"`
	URL      string         `json:"url"`
}

// ParseIssue decodes an upstream issue JSON document into a normalized
// IssueRecord.
func ParseIssue(data []byte) (*IssueRecord, error) {
	var raw rawIssue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse issue: %w", err)
	}
	record := raw.normalize()
	return &record, nil
}

// ParseIssueList decodes an upstream issue-list JSON document.
func ParseIssueList(data []byte) ([]IssueRecord, error) {
	var raws []rawIssue
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse issue list: %w", err)
	}

	records := make([]IssueRecord, 0, len(raws))
	for i := range raws {
		records = append(records, raws[i].normalize())
	}
	return records, nil
}

func (r *rawIssue) normalize() IssueRecord {
	record := IssueRecord{
		Number: r.Number,
		Title:  r.Title,
		Body:   r.Body,
		URL:    r.URL,
	}
	for _, label := range r.Labels {
		record.Labels = append(record.Labels, string(label))
	}
	for _, comment := range r.Comments {
		record.Comments = append(record.Comments, string(comment))
	}
	return record
}
