// Package config provides configuration loading, validation, and management
// for the issuepilot pipeline. It handles the YAML config file, defaulting,
// and the pipeline label vocabulary.
package config

import (
	"fmt"
	"time"
)

// Pipeline label defaults. Labels are the externally visible state machine:
// every tracked issue carries exactly one of these at a time.
const (
	DefaultFindLabel     = "pilot:find"
	DefaultPlanLabel     = "pilot:plan"
	DefaultWorkLabel     = "pilot:work"
	DefaultReviewLabel   = "pilot:review"
	DefaultDoneLabel     = "pilot:done"
	DefaultHitlLabel     = "pilot:hitl"
	DefaultHitlWorkLabel = "pilot:hitl-active"
	DefaultImproveLabel  = "pilot:improve"
)

// Default retry budgets.
const (
	DefaultMaxIssueAttempts    = 3
	DefaultMaxReviewAttempts   = 3
	DefaultMaxConflictAttempts = 2
)

// Default poll intervals.
const (
	DefaultTriageIntervalSec    = 30
	DefaultPlanIntervalSec      = 20
	DefaultImplementIntervalSec = 15
	DefaultReviewIntervalSec    = 20
)

// Labels holds the pipeline label vocabulary. An empty FindLabel disables
// triage entirely.
type Labels struct {
	Find     string `yaml:"find"`
	Plan     string `yaml:"plan"`
	Work     string `yaml:"work"`
	Review   string `yaml:"review"`
	Done     string `yaml:"done"`
	Hitl     string `yaml:"hitl"`
	HitlWork string `yaml:"hitl_work"`
	Improve  string `yaml:"improve"`
}

// Limits sets worker-pool sizes per phase, enforced with counting semaphores.
type Limits struct {
	Planners       int `yaml:"planners"`
	Implementers   int `yaml:"implementers"`
	Reviewers      int `yaml:"reviewers"`
	Correctors     int `yaml:"correctors"`
	Unstickers     int `yaml:"unstickers"`
	TriageBatch    int `yaml:"triage_batch"`
	UnstickerBatch int `yaml:"unsticker_batch"`
}

// Retries sets per-issue attempt caps before permanent HITL escalation.
type Retries struct {
	MaxIssueAttempts    int `yaml:"max_issue_attempts"`
	MaxReviewAttempts   int `yaml:"max_review_attempts"`
	MaxConflictAttempts int `yaml:"max_conflict_attempts"`
}

// Intervals sets the fixed polling intervals for the four pipeline loops.
type Intervals struct {
	TriageSec    int `yaml:"triage_sec"`
	PlanSec      int `yaml:"plan_sec"`
	ImplementSec int `yaml:"implement_sec"`
	ReviewSec    int `yaml:"review_sec"`
}

// Thresholds configures the lifetime-stat bounds that trigger
// self-improvement proposals.
type Thresholds struct {
	QualityFixRate float64 `yaml:"quality_fix_rate"`
	ApprovalRate   float64 `yaml:"approval_rate"`
	HitlRate       float64 `yaml:"hitl_rate"`
}

// Agents configures the external agent commands each phase invokes.
// Each entry is an argv; the issue payload arrives on stdin as JSON and
// the verdict is read from stdout.
type Agents struct {
	Triage    []string `yaml:"triage"`
	Plan      []string `yaml:"plan"`
	Implement []string `yaml:"implement"`
	Review    []string `yaml:"review"`
	Correct   []string `yaml:"correct"`
}

// Config is the top-level issuepilot configuration.
type Config struct {
	RepoURL      string     `yaml:"repo_url"`
	RepoDir      string     `yaml:"repo_dir"`
	BaseBranch   string     `yaml:"base_branch"`
	StateFile    string     `yaml:"state_file"`
	EventDBFile  string     `yaml:"event_db_file"`
	WorktreeDir  string     `yaml:"worktree_dir"`
	Labels       Labels     `yaml:"labels"`
	Agents       Agents     `yaml:"agents"`
	Limits       Limits     `yaml:"limits"`
	Retries      Retries    `yaml:"retries"`
	Intervals    Intervals  `yaml:"intervals"`
	Thresholds   Thresholds `yaml:"thresholds"`
	EventHistory int        `yaml:"event_history"`
}

// PipelineLabels returns every label the pipeline can apply, in stage order.
// The orchestrator ensures these exist upstream before starting.
func (c *Config) PipelineLabels() []string {
	return []string{
		c.Labels.Find,
		c.Labels.Plan,
		c.Labels.Work,
		c.Labels.Review,
		c.Labels.Done,
		c.Labels.Hitl,
		c.Labels.HitlWork,
		c.Labels.Improve,
	}
}

// TriageInterval returns the triage loop polling interval.
func (c *Config) TriageInterval() time.Duration {
	return time.Duration(c.Intervals.TriageSec) * time.Second
}

// PlanInterval returns the plan loop polling interval.
func (c *Config) PlanInterval() time.Duration {
	return time.Duration(c.Intervals.PlanSec) * time.Second
}

// ImplementInterval returns the implement loop polling interval.
func (c *Config) ImplementInterval() time.Duration {
	return time.Duration(c.Intervals.ImplementSec) * time.Second
}

// ReviewInterval returns the review loop polling interval.
func (c *Config) ReviewInterval() time.Duration {
	return time.Duration(c.Intervals.ReviewSec) * time.Second
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.StateFile == "" {
		return fmt.Errorf("state_file must be set")
	}
	if c.Labels.Hitl == "" {
		return fmt.Errorf("labels.hitl must be set")
	}
	if c.Labels.Hitl == c.Labels.HitlWork {
		return fmt.Errorf("labels.hitl and labels.hitl_work must differ")
	}

	seen := make(map[string]string)
	for _, label := range c.PipelineLabels() {
		if label == "" {
			continue
		}
		if prev, dup := seen[label]; dup {
			return fmt.Errorf("duplicate pipeline label %q (also %q)", label, prev)
		}
		seen[label] = label
	}

	if c.Limits.Correctors <= 0 {
		return fmt.Errorf("limits.correctors must be positive, got %d", c.Limits.Correctors)
	}
	if c.Retries.MaxIssueAttempts <= 0 {
		return fmt.Errorf("retries.max_issue_attempts must be positive, got %d", c.Retries.MaxIssueAttempts)
	}

	return nil
}
