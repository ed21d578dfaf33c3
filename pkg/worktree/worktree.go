// Package worktree manages per-issue git worktrees. Each issue in the
// implement or correction phase gets an isolated checkout under the
// configured worktree root, on its own branch off the base branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"issuepilot/pkg/logx"
)

// Manager creates and destroys per-issue worktrees inside a single local
// clone and drives merge attempts against the base branch.
type Manager struct {
	repoDir    string
	root       string
	baseBranch string
	logger     *logx.Logger

	mu    sync.Mutex
	paths map[int]string
}

// NewManager creates a worktree manager. repoDir is the primary clone the
// worktrees hang off; root is the directory worktree checkouts live in.
func NewManager(repoDir, root, baseBranch string) *Manager {
	return &Manager{
		repoDir:    repoDir,
		root:       root,
		baseBranch: baseBranch,
		logger:     logx.NewLogger("worktree"),
		paths:      make(map[int]string),
	}
}

// BranchFor returns the branch name used for an issue's worktree.
func (m *Manager) BranchFor(issue int) string {
	return fmt.Sprintf("pilot/issue-%d", issue)
}

// PathFor returns the checkout path used for an issue's worktree.
func (m *Manager) PathFor(issue int) string {
	return filepath.Join(m.root, fmt.Sprintf("issue-%d", issue))
}

// Create adds a worktree for the issue on a fresh branch off the base
// branch and returns its path. Creating an existing worktree returns the
// existing path.
func (m *Manager) Create(ctx context.Context, issue int) (string, error) {
	m.mu.Lock()
	if path, exists := m.paths[issue]; exists {
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	path := m.PathFor(issue)
	branch := m.BranchFor(issue)

	if err := os.MkdirAll(m.root, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree root: %w", err)
	}

	if _, err := m.git(ctx, m.repoDir, "worktree", "add", "-b", branch, path, m.baseBranch); err != nil {
		// A stale branch from a crashed run blocks -b; retry on it.
		if _, retryErr := m.git(ctx, m.repoDir, "worktree", "add", path, branch); retryErr != nil {
			return "", fmt.Errorf("failed to add worktree for issue %d: %w", issue, err)
		}
	}

	m.mu.Lock()
	m.paths[issue] = path
	m.mu.Unlock()

	m.logger.Info("Created worktree for issue %d at %s", issue, path)
	return path, nil
}

// Destroy removes the issue's worktree and branch. Destroying a worktree
// that doesn't exist is a no-op.
func (m *Manager) Destroy(ctx context.Context, issue int) error {
	m.mu.Lock()
	path, exists := m.paths[issue]
	m.mu.Unlock()

	if !exists {
		path = m.PathFor(issue)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}

	if _, err := m.git(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
		// Fall back to removing the directory and pruning the registry.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree for issue %d: %w", issue, err)
		}
		if _, pruneErr := m.git(ctx, m.repoDir, "worktree", "prune"); pruneErr != nil {
			m.logger.Warn("Failed to prune worktrees: %v", pruneErr)
		}
	}

	if _, err := m.git(ctx, m.repoDir, "branch", "-D", m.BranchFor(issue)); err != nil {
		m.logger.Debug("Branch cleanup for issue %d: %v", issue, err)
	}

	m.mu.Lock()
	delete(m.paths, issue)
	m.mu.Unlock()

	m.logger.Info("Destroyed worktree for issue %d", issue)
	return nil
}

// StartMergeMain merges the base branch into the issue's branch. Returns
// true when the merge completes cleanly and false when it stops on
// conflicts, leaving the merge in progress for the correction agent.
func (m *Manager) StartMergeMain(ctx context.Context, issue int) (bool, error) {
	path, err := m.pathOf(issue)
	if err != nil {
		return false, err
	}

	if _, err := m.git(ctx, path, "fetch", "origin", m.baseBranch); err != nil {
		m.logger.Debug("Fetch before merge for issue %d: %v", issue, err)
	}

	output, err := m.git(ctx, path, "merge", "--no-edit", m.baseBranch)
	if err != nil {
		if strings.Contains(string(output), "CONFLICT") {
			m.logger.Info("Merge of %s into issue %d hit conflicts", m.baseBranch, issue)
			return false, nil
		}
		return false, fmt.Errorf("failed to merge %s for issue %d: %w", m.baseBranch, issue, err)
	}
	return true, nil
}

// AbortMerge aborts an in-progress merge in the issue's worktree.
func (m *Manager) AbortMerge(ctx context.Context, issue int) error {
	path, err := m.pathOf(issue)
	if err != nil {
		return err
	}

	if _, err := m.git(ctx, path, "merge", "--abort"); err != nil {
		return fmt.Errorf("failed to abort merge for issue %d: %w", issue, err)
	}
	return nil
}

// MainCommitsSinceDiverge returns a one-line log of base-branch commits
// the issue's branch has not merged. Used to enrich the conflict-fix
// prompt with what moved underneath the branch.
func (m *Manager) MainCommitsSinceDiverge(ctx context.Context, issue int) (string, error) {
	path, err := m.pathOf(issue)
	if err != nil {
		return "", err
	}

	output, err := m.git(ctx, path, "log", "--oneline", "HEAD.."+m.baseBranch)
	if err != nil {
		return "", fmt.Errorf("failed to log diverged commits for issue %d: %w", issue, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (m *Manager) pathOf(issue int) (string, error) {
	m.mu.Lock()
	path, exists := m.paths[issue]
	m.mu.Unlock()

	if !exists {
		path = m.PathFor(issue)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("no worktree for issue %d", issue)
		}
		m.mu.Lock()
		m.paths[issue] = path
		m.mu.Unlock()
	}
	return path, nil
}

// git runs a git command in dir and returns the combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	m.logger.Debug("Executing in %s: git %s", dir, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, string(output))
	}
	return output, nil
}
