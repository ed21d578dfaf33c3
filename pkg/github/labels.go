package github

import (
	"context"
	"fmt"
	"strings"
)

// AddLabels adds labels to an issue.
func (c *Client) AddLabels(ctx context.Context, issue int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}

	_, err := c.run(ctx,
		"issue", "edit", fmt.Sprintf("%d", issue),
		"--repo", c.RepoPath(),
		"--add-label", strings.Join(labels, ","),
	)
	if err != nil {
		return fmt.Errorf("failed to add labels %v to issue %d: %w", labels, issue, err)
	}
	return nil
}

// RemoveLabel removes a single label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, issue int, label string) error {
	_, err := c.run(ctx,
		"issue", "edit", fmt.Sprintf("%d", issue),
		"--repo", c.RepoPath(),
		"--remove-label", label,
	)
	if err != nil {
		return fmt.Errorf("failed to remove label %s from issue %d: %w", label, issue, err)
	}
	return nil
}

// SwapPipelineLabels atomically moves an issue to a new pipeline stage:
// every other known pipeline label is removed and newLabel is added in one
// edit, so the issue never carries two stage labels.
func (c *Client) SwapPipelineLabels(ctx context.Context, issue int, newLabel string, pipelineLabels []string) error {
	var toRemove []string
	for _, label := range pipelineLabels {
		if label != "" && label != newLabel {
			toRemove = append(toRemove, label)
		}
	}

	args := []string{
		"issue", "edit", fmt.Sprintf("%d", issue),
		"--repo", c.RepoPath(),
		"--add-label", newLabel,
	}
	if len(toRemove) > 0 {
		args = append(args, "--remove-label", strings.Join(toRemove, ","))
	}

	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to swap issue %d to label %s: %w", issue, newLabel, err)
	}
	return nil
}

// PostComment posts a comment on an issue.
func (c *Client) PostComment(ctx context.Context, issue int, text string) error {
	_, err := c.run(ctx,
		"issue", "comment", fmt.Sprintf("%d", issue),
		"--repo", c.RepoPath(),
		"--body", text,
	)
	if err != nil {
		return fmt.Errorf("failed to comment on issue %d: %w", issue, err)
	}
	return nil
}

// EnsureLabels creates any missing pipeline labels upstream. Existing
// labels are left untouched.
func (c *Client) EnsureLabels(ctx context.Context, labels []string) error {
	for _, label := range labels {
		if label == "" {
			continue
		}
		_, err := c.run(ctx,
			"label", "create", label,
			"--repo", c.RepoPath(),
			"--force",
		)
		if err != nil {
			return fmt.Errorf("failed to ensure label %s: %w", label, err)
		}
	}
	return nil
}

// PushBranch pushes a branch to the remote. Returns false on a non-fatal
// push rejection (e.g., remote moved), true on success.
func (c *Client) PushBranch(ctx context.Context, worktreePath, branch string) (bool, error) {
	output, err := c.runGit(ctx, worktreePath, "push", "-u", "origin", branch)
	if err != nil {
		if strings.Contains(string(output), "rejected") {
			c.logger.Warn("push of %s rejected: %s", branch, string(output))
			return false, nil
		}
		return false, fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	return true, nil
}

// GetPrDiffNames returns the changed-file paths for a PR.
func (c *Client) GetPrDiffNames(ctx context.Context, pr int) ([]string, error) {
	output, err := c.run(ctx,
		"pr", "diff", fmt.Sprintf("%d", pr),
		"--repo", c.RepoPath(),
		"--name-only",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get diff names for PR %d: %w", pr, err)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// PRForBranch returns the open PR number for a branch, or 0 when none.
func (c *Client) PRForBranch(ctx context.Context, branch string) (int, error) {
	var prs []struct {
		Number int `json:"number"`
	}
	err := c.runJSON(ctx, &prs,
		"pr", "list",
		"--repo", c.RepoPath(),
		"--head", branch,
		"--state", "open",
		"--json", "number",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}

	if len(prs) == 0 {
		return 0, nil
	}
	return prs[0].Number, nil
}

// CreateIssue files a new issue and returns its number. Used for
// self-improvement proposals produced by threshold checks.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	args := []string{
		"issue", "create",
		"--repo", c.RepoPath(),
		"--title", title,
		"--body", body,
	}
	if len(labels) > 0 {
		args = append(args, "--label", strings.Join(labels, ","))
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to create issue: %w", err)
	}

	// gh prints the new issue URL; the number is the last path segment.
	url := strings.TrimSpace(string(output))
	var number int
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		if _, err := fmt.Sscanf(url[idx+1:], "%d", &number); err != nil {
			return 0, fmt.Errorf("failed to parse issue number from %q: %w", url, err)
		}
	}
	return number, nil
}
