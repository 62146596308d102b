package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/agent"
	"github.com/kandev/ralph/internal/common/config"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/hub"
	"github.com/kandev/ralph/internal/orchestrator"
	"github.com/kandev/ralph/internal/store"
	"github.com/kandev/ralph/internal/tasks"
	"github.com/kandev/ralph/internal/worktree"
)

// deps bundles every long-lived component `serve` and `run` wire together,
// plus their combined shutdown.
type deps struct {
	cfg          *config.Config
	logger       *logger.Logger
	eventBus     *events.ProvidedBus
	sessionStore *store.Store
	eventHub     *hub.Hub
	taskStore    *tasks.BeadsStore
	orchestrator *orchestrator.Orchestrator

	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("cleanup error", zap.Error(err))
		}
	}
}

// buildAgentAdapter picks the concrete Agent Adapter for --agent.
func buildAgentAdapter(kind string, log *logger.Logger) (agent.Adapter, error) {
	switch kind {
	case "", "claude-code":
		return agent.NewClaudeCodeAdapter("claude", log), nil
	case "codex":
		return agent.NewCodexAdapter("codex", log), nil
	case "mock":
		return agent.NewMockAdapter(log, nil), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q (want claude-code, codex, or mock)", kind)
	}
}

// wire constructs every component needed by `serve` and `run`, opening the
// Session Store but leaving the Event Hub's Run loop and Orchestrator.Start
// to the caller so callers can choose when admission begins.
func wire(cfg *config.Config, agentKind string) (*deps, error) {
	return wireWithTaskStore(cfg, agentKind, func(ts orchestrator.TaskStore) orchestrator.TaskStore { return ts })
}

// wireWithTaskStore is wire's general form: wrapTaskStore lets a caller
// (e.g. `run`, which must stop after N completions) decorate the real
// BeadsStore-backed TaskStore before it's handed to the Orchestrator.
func wireWithTaskStore(cfg *config.Config, agentKind string, wrapTaskStore func(orchestrator.TaskStore) orchestrator.TaskStore) (*deps, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	d := &deps{cfg: cfg, logger: log}

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	d.eventBus = providedBus
	d.closers = append(d.closers, closeBus)

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = ".ralph/sessions.db"
	}
	sessionStore, err := store.Open(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	d.sessionStore = sessionStore
	d.closers = append(d.closers, sessionStore.Close)

	eventHub := hub.NewHub(sessionStore, log)
	d.eventHub = eventHub

	taskStore, err := tasks.NewBeadsStore(cfg.Worktree.RepoPath, cfg.Worktree.DefaultBranch, log)
	if err != nil {
		return nil, fmt.Errorf("init task store: %w", err)
	}
	d.taskStore = taskStore
	d.closers = append(d.closers, taskStore.Close)

	wtManager, err := worktree.NewManager(cfg.Worktree.RepoPath, log)
	if err != nil {
		return nil, fmt.Errorf("init worktree manager: %w", err)
	}

	adapter, err := buildAgentAdapter(agentKind, log)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxWorkers:  cfg.Orchestrator.MaxWorkers,
		RepoPath:    cfg.Worktree.RepoPath,
		WorkspaceID: cfg.Worktree.RepoPath,
	}, wrapTaskStore(taskStore), wtManager, adapter, sessionStore, eventHub, log)
	d.orchestrator = orch

	return d, nil
}
