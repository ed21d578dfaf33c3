// Package github provides centralized GitHub API operations using the gh CLI.
// All operations run on the host since they're pure API calls.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"issuepilot/pkg/issues"
	"issuepilot/pkg/logx"
)

// Client provides GitHub issue, label, and PR operations via the gh CLI.
// It implements the issues.Fetcher contract plus the label/comment mutator
// surface the pipeline phases depend on.
type Client struct {
	owner   string
	repo    string
	logger  *logx.Logger
	timeout time.Duration
}

// NewClient creates a new GitHub client for the specified repository.
func NewClient(owner, repo string) *Client {
	return &Client{
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("github"),
		timeout: 30 * time.Second,
	}
}

// NewClientFromRemote creates a GitHub client by parsing a git remote URL.
func NewClientFromRemote(remoteURL string) (*Client, error) {
	owner, repo, err := ParseGitHubURL(remoteURL)
	if err != nil {
		return nil, err
	}
	return NewClient(owner, repo), nil
}

// WithTimeout returns a new client with the specified timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{
		owner:   c.owner,
		repo:    c.repo,
		logger:  c.logger,
		timeout: timeout,
	}
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// FetchIssuesByLabels returns open issues carrying any of the given labels.
// gh treats a comma-joined --label value as an AND filter, so each label is
// queried separately and the pages merged by issue number.
func (c *Client) FetchIssuesByLabels(ctx context.Context, labels []string, limit int) ([]issues.IssueRecord, error) {
	if len(labels) == 0 {
		return nil, nil
	}

	pages := make([][]issues.IssueRecord, 0, len(labels))
	for _, label := range labels {
		args := []string{
			"issue", "list",
			"--repo", c.RepoPath(),
			"--state", "open",
			"--limit", fmt.Sprintf("%d", limit),
			"--json", "number,title,body,labels,url",
			"--label", label,
		}

		output, err := c.run(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues with label %q: %w", label, err)
		}

		records, err := issues.ParseIssueList(output)
		if err != nil {
			return nil, err
		}
		pages = append(pages, records)
	}

	return mergeIssuePages(pages, limit), nil
}

// mergeIssuePages flattens per-label query results, dropping duplicate issue
// numbers and capping the merged list at limit. First-seen order wins.
func mergeIssuePages(pages [][]issues.IssueRecord, limit int) []issues.IssueRecord {
	seen := make(map[int]bool)
	var merged []issues.IssueRecord
	for _, page := range pages {
		for _, rec := range page {
			if seen[rec.Number] {
				continue
			}
			seen[rec.Number] = true
			merged = append(merged, rec)
			if len(merged) >= limit {
				return merged
			}
		}
	}
	return merged
}

// FetchIssueByNumber returns the live issue, or nil when it doesn't exist.
func (c *Client) FetchIssueByNumber(ctx context.Context, number int) (*issues.IssueRecord, error) {
	output, err := c.run(ctx,
		"issue", "view", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--json", "number,title,body,labels,url,comments",
	)
	if err != nil {
		if strings.Contains(err.Error(), "Could not resolve") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to view issue %d: %w", number, err)
	}

	return issues.ParseIssue(output)
}

// run executes a gh command and returns the output.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	output, err := cmd.CombinedOutput()

	if err != nil {
		c.logger.Debug("Command failed: %v, output: %s", err, string(output))
		return nil, fmt.Errorf("gh command failed: %w\nOutput: %s", err, string(output))
	}

	return output, nil
}

// runGit executes a git command inside dir and returns the combined output.
// Used for the push operation, which is a remote mutation like the rest of
// this client rather than a worktree-local one.
func (c *Client) runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing in %s: git %s", dir, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git command failed: %w\nOutput: %s", err, string(output))
	}

	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (c *Client) runJSON(ctx context.Context, result interface{}, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}

	if len(output) == 0 {
		return nil // Empty response is valid for some operations
	}

	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(output))
	}

	return nil
}

// ParseGitHubURL extracts owner and repo from various GitHub URL formats.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	// Handle SSH format: git@github.com:owner/repo.git
	if strings.HasPrefix(url, "git@github.com:") {
		path := strings.TrimPrefix(url, "git@github.com:")
		path = strings.TrimSuffix(path, ".git")
		parts := strings.Split(path, "/")
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid GitHub SSH URL format: %s", url)
		}
		return parts[0], parts[1], nil
	}

	// Handle HTTPS format: https://github.com/owner/repo.git
	if strings.HasPrefix(url, "https://github.com/") {
		path := strings.TrimPrefix(url, "https://github.com/")
		path = strings.TrimSuffix(path, ".git")
		parts := strings.Split(path, "/")
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid GitHub HTTPS URL format: %s", url)
		}
		return parts[0], parts[1], nil
	}

	return "", "", fmt.Errorf("unsupported Git URL format: %s", url)
}

// CheckAuth verifies that gh CLI is authenticated.
func CheckAuth(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh auth check failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
