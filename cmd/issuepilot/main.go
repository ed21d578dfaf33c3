// issuepilot drives GitHub issues through triage, planning,
// implementation, and review with HITL escalation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"issuepilot/internal/orch"
	"issuepilot/pkg/agentexec"
	"issuepilot/pkg/bus"
	"issuepilot/pkg/config"
	"issuepilot/pkg/eventlog"
	"issuepilot/pkg/github"
	"issuepilot/pkg/issues"
	"issuepilot/pkg/limiter"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/pipeline"
	"issuepilot/pkg/state"
	"issuepilot/pkg/worktree"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	repoURL := flag.String("repo", "", "repository URL (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty: disabled)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("issuepilot %s (%s)\n", version, commit)
		return
	}
	if *debug {
		logx.SetDebug(true)
	}

	if err := run(*configPath, *repoURL, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "issuepilot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, repoURL, metricsAddr string) error {
	logger := logx.NewLogger("main")

	// .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded: %v", err)
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if repoURL != "" {
		cfg.RepoURL = repoURL
	}
	if cfg.RepoURL == "" {
		return fmt.Errorf("no repository configured (set repo_url or pass -repo)")
	}

	client, err := github.NewClientFromRemote(cfg.RepoURL)
	if err != nil {
		return err
	}

	authCtx, cancelAuth := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelAuth()
	if err := github.CheckAuth(authCtx); err != nil {
		return fmt.Errorf("gh CLI is not authenticated: %w", err)
	}

	tracker := state.New(cfg.StateFile)
	events := bus.New(cfg.EventHistory)

	if cfg.EventDBFile != "" {
		durable, err := eventlog.Open(cfg.EventDBFile)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer func() {
			if err := durable.Close(); err != nil {
				logger.Warn("Failed to close event log: %v", err)
			}
		}()
		events.SetDurableLog(durable)
	}

	store := issues.NewStore(client)
	slots := limiter.NewLimiter(cfg)
	recorder := metrics.NewRecorder()
	events.SetObserver(recorder.ObserveEvent)
	worktrees := worktree.NewManager(cfg.RepoDir, cfg.WorktreeDir, cfg.BaseBranch)

	agents, err := buildAgents(cfg)
	if err != nil {
		return err
	}

	// The stop closure reads through the pointer so phases built before
	// the orchestrator still observe its stop flag.
	var pilot *orch.Orchestrator
	stopped := func() bool { return pilot != nil && pilot.StopRequested() }

	filer := pipeline.NewIssueMemoryFiler(client, cfg.Labels.Improve)
	triage := pipeline.NewTriagePhase(store, tracker, events, agents.triage, client, cfg, recorder, stopped)
	hitl := pipeline.NewHITLPhase(store, tracker, events, slots, agents.correct, client, worktrees, filer, cfg, recorder, stopped)
	unsticker := pipeline.NewPRUnsticker(store, tracker, events, slots, agents.correct, client, worktrees, cfg, recorder, stopped)

	pilot = orch.New(orch.Deps{
		Config:    cfg,
		Tracker:   tracker,
		Store:     store,
		Events:    events,
		Slots:     slots,
		Triage:    triage,
		Hitl:      hitl,
		Unsticker: unsticker,
		Planner:   agents.plan,
		Worker:    agents.implement,
		Reviewer:  agents.review,
		Mutator:   client,
		Worktrees: worktrees,
		Ensurer:   client,
		Creator:   client,
		Recorder:  recorder,
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}))
		go func() {
			logger.Info("Serving metrics on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received %s, shutting down", sig)
		pilot.RequestStop()
	}()

	logger.Info("issuepilot %s starting against %s", version, client.RepoPath())
	return pilot.Run(context.Background())
}

// agentSet holds the five configured agent runners.
type agentSet struct {
	triage    *agentexec.Runner
	plan      *agentexec.Runner
	implement *agentexec.Runner
	review    *agentexec.Runner
	correct   *agentexec.Runner
}

func buildAgents(cfg *config.Config) (*agentSet, error) {
	build := func(name string, argv []string) (*agentexec.Runner, error) {
		runner, err := agentexec.NewRunner(argv)
		if err != nil {
			return nil, fmt.Errorf("agents.%s is not configured: %w", name, err)
		}
		return runner, nil
	}

	var set agentSet
	var err error
	if set.triage, err = build("triage", cfg.Agents.Triage); err != nil {
		return nil, err
	}
	if set.plan, err = build("plan", cfg.Agents.Plan); err != nil {
		return nil, err
	}
	if set.implement, err = build("implement", cfg.Agents.Implement); err != nil {
		return nil, err
	}
	if set.review, err = build("review", cfg.Agents.Review); err != nil {
		return nil, err
	}
	if set.correct, err = build("correct", cfg.Agents.Correct); err != nil {
		return nil, err
	}
	return &set, nil
}
