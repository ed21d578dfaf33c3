// Package agentexec adapts external agent commands to the pipeline's
// collaborator interfaces. Each invocation writes a JSON request to the
// command's stdin and parses a JSON verdict from its stdout; context
// cancellation kills the subprocess, which is how a stop request
// terminates in-flight agent work.
package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"issuepilot/pkg/issues"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/pipeline"
)

// Runner invokes one configured agent command.
type Runner struct {
	argv   []string
	logger *logx.Logger
}

// NewRunner creates a runner for the given argv.
func NewRunner(argv []string) (*Runner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent command must not be empty")
	}
	return &Runner{
		argv:   argv,
		logger: logx.NewLogger("agent"),
	}, nil
}

// request is the JSON document written to the agent's stdin.
type request struct {
	Action     string              `json:"action"`
	Issue      *issues.IssueRecord `json:"issue"`
	Correction string              `json:"correction,omitempty"`
	Worktree   string              `json:"worktree,omitempty"`
}

func (r *Runner) invoke(ctx context.Context, dir string, req request, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Invoking agent %s action=%s issue=%d", r.argv[0], req.Action, req.Issue.Number)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent %s failed: %w\nStderr: %s", r.argv[0], err, stderr.String())
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("failed to parse agent verdict: %w\nOutput: %s", err, stdout.String())
	}
	return nil
}

// Evaluate implements pipeline.TriageEvaluator.
func (r *Runner) Evaluate(ctx context.Context, issue *issues.IssueRecord) (pipeline.TriageResult, error) {
	var verdict struct {
		Ready   bool     `json:"ready"`
		Reasons []string `json:"reasons"`
	}
	if err := r.invoke(ctx, "", request{Action: "triage", Issue: issue}, &verdict); err != nil {
		return pipeline.TriageResult{}, err
	}
	return pipeline.TriageResult{Ready: verdict.Ready, Reasons: verdict.Reasons}, nil
}

// Run implements pipeline.CorrectionAgent.
func (r *Runner) Run(ctx context.Context, issue *issues.IssueRecord, correction string) (pipeline.CorrectionResult, error) {
	var verdict struct {
		Success    bool   `json:"success"`
		Error      string `json:"error"`
		Transcript string `json:"transcript"`
	}
	req := request{Action: "correct", Issue: issue, Correction: correction}
	if err := r.invoke(ctx, "", req, &verdict); err != nil {
		return pipeline.CorrectionResult{}, err
	}
	return pipeline.CorrectionResult{
		Success:    verdict.Success,
		Error:      verdict.Error,
		Transcript: verdict.Transcript,
	}, nil
}

// Plan implements the orchestrator's Planner contract.
func (r *Runner) Plan(ctx context.Context, issue *issues.IssueRecord) error {
	var verdict struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := r.invoke(ctx, "", request{Action: "plan", Issue: issue}, &verdict); err != nil {
		return err
	}
	if !verdict.OK {
		return fmt.Errorf("planner rejected issue %d: %s", issue.Number, verdict.Error)
	}
	return nil
}

// Implement implements the orchestrator's Worker contract. The command
// runs inside the issue's worktree.
func (r *Runner) Implement(ctx context.Context, issue *issues.IssueRecord, worktreePath string) error {
	var verdict struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	req := request{Action: "implement", Issue: issue, Worktree: worktreePath}
	if err := r.invoke(ctx, worktreePath, req, &verdict); err != nil {
		return err
	}
	if !verdict.OK {
		return fmt.Errorf("worker failed on issue %d: %s", issue.Number, verdict.Error)
	}
	return nil
}

// Review implements the orchestrator's Reviewer contract.
func (r *Runner) Review(ctx context.Context, issue *issues.IssueRecord) (bool, string, error) {
	var verdict struct {
		Approved bool   `json:"approved"`
		Feedback string `json:"feedback"`
	}
	if err := r.invoke(ctx, "", request{Action: "review", Issue: issue}, &verdict); err != nil {
		return false, "", err
	}
	return verdict.Approved, verdict.Feedback, nil
}
