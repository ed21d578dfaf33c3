package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an issuepilot configuration from the given YAML file
// path, then applies defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./issuepilot.yaml, ~/.issuepilot/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"issuepilot.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".issuepilot", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no issuepilot config found (searched: %v)", candidates)
}

// Default returns a fully defaulted configuration, used by tests and by
// setups that configure everything programmatically.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.RepoDir == "" {
		cfg.RepoDir = "."
	}
	if cfg.StateFile == "" {
		cfg.StateFile = ".issuepilot/state.json"
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".issuepilot/worktrees"
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 500
	}

	l := &cfg.Labels
	if l.Find == "" {
		l.Find = DefaultFindLabel
	}
	if l.Plan == "" {
		l.Plan = DefaultPlanLabel
	}
	if l.Work == "" {
		l.Work = DefaultWorkLabel
	}
	if l.Review == "" {
		l.Review = DefaultReviewLabel
	}
	if l.Done == "" {
		l.Done = DefaultDoneLabel
	}
	if l.Hitl == "" {
		l.Hitl = DefaultHitlLabel
	}
	if l.HitlWork == "" {
		l.HitlWork = DefaultHitlWorkLabel
	}
	if l.Improve == "" {
		l.Improve = DefaultImproveLabel
	}

	lim := &cfg.Limits
	if lim.Planners <= 0 {
		lim.Planners = 1
	}
	if lim.Implementers <= 0 {
		lim.Implementers = 2
	}
	if lim.Reviewers <= 0 {
		lim.Reviewers = 1
	}
	if lim.Correctors <= 0 {
		lim.Correctors = 1
	}
	if lim.Unstickers <= 0 {
		lim.Unstickers = 1
	}
	if lim.TriageBatch <= 0 {
		lim.TriageBatch = 5
	}
	if lim.UnstickerBatch <= 0 {
		lim.UnstickerBatch = 3
	}

	r := &cfg.Retries
	if r.MaxIssueAttempts <= 0 {
		r.MaxIssueAttempts = DefaultMaxIssueAttempts
	}
	if r.MaxReviewAttempts <= 0 {
		r.MaxReviewAttempts = DefaultMaxReviewAttempts
	}
	if r.MaxConflictAttempts <= 0 {
		r.MaxConflictAttempts = DefaultMaxConflictAttempts
	}

	iv := &cfg.Intervals
	if iv.TriageSec <= 0 {
		iv.TriageSec = DefaultTriageIntervalSec
	}
	if iv.PlanSec <= 0 {
		iv.PlanSec = DefaultPlanIntervalSec
	}
	if iv.ImplementSec <= 0 {
		iv.ImplementSec = DefaultImplementIntervalSec
	}
	if iv.ReviewSec <= 0 {
		iv.ReviewSec = DefaultReviewIntervalSec
	}

	th := &cfg.Thresholds
	if th.QualityFixRate <= 0 {
		th.QualityFixRate = 2.0
	}
	if th.ApprovalRate <= 0 {
		th.ApprovalRate = 0.5
	}
	if th.HitlRate <= 0 {
		th.HitlRate = 0.3
	}
}
