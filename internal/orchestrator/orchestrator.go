// Package orchestrator is the Worker Orchestrator: it decides when and how
// many workers to run, feeds them ready tasks, and fans out their
// lifecycle to the Event Hub (spec §4.6).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/agent"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/hub"
	"github.com/kandev/ralph/internal/store"
	"github.com/kandev/ralph/internal/worktree"
)

var (
	ErrAlreadyRunning = errors.New("orchestrator: already running")
	ErrNotRunning     = errors.New("orchestrator: not running")
	ErrWorkerNotFound = errors.New("orchestrator: worker not found")
)

// defaultMaxWorkers is the admission ceiling when Config.MaxWorkers is unset.
const defaultMaxWorkers = 3

// defaultAdmissionInterval bounds how often the orchestrator re-checks
// admission even absent an explicit signal, mirroring the teacher
// scheduler's ProcessInterval tick as a safety net alongside event-driven
// ticks.
const defaultAdmissionInterval = 2 * time.Second

// Config parameterizes one Orchestrator.
type Config struct {
	MaxWorkers        int
	WorkerNames       []string
	AdmissionInterval time.Duration
	RepoPath          string
	WorkspaceID       string
}

// Orchestrator admits workers against ready work, spawns Agent Adapter
// sessions rooted in dedicated worktrees, and reacts to their termination.
// Structure (mu/stopCh/wg-guarded Start/Stop, ticker-driven process loop)
// follows the teacher's scheduler.Scheduler.
type Orchestrator struct {
	cfg      Config
	tasks    TaskStore
	worktree *worktree.Manager
	adapter  agent.Adapter
	sessions *store.Store
	hub      *hub.Hub
	names    *namePool
	logger   *logger.Logger

	mu               sync.Mutex
	state            aggregateState
	stopCh           chan struct{}
	wg               sync.WaitGroup
	stopAfterCurrent bool
	tick             chan struct{}

	workersMu sync.Mutex
	workers   map[string]*activeWorker
}

// New builds an Orchestrator. adapter is the single Agent Adapter
// implementation used for every spawned session (spec's Non-goal list
// excludes multi-adapter selection from this layer's admission logic;
// callers needing several adapter kinds run one Orchestrator per kind).
func New(cfg Config, tasks TaskStore, wm *worktree.Manager, ad agent.Adapter, sessions *store.Store, h *hub.Hub, log *logger.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.AdmissionInterval <= 0 {
		cfg.AdmissionInterval = defaultAdmissionInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		tasks:    tasks,
		worktree: wm,
		adapter:  ad,
		sessions: sessions,
		hub:      h,
		names:    newNamePool(cfg.WorkerNames),
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		state:    stateIdle,
		tick:     make(chan struct{}, 1),
		workers:  make(map[string]*activeWorker),
	}
}

// Start enters `running` and begins admission ticks.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state == stateRunning {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = stateRunning
	o.stopAfterCurrent = false
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(1)
	go o.admissionLoop(ctx)
	o.signalTick()
	return nil
}

// Stop signals every active worker's adapter to stop concurrently, waits
// for their exit, and transitions to `stopped`.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateRunning && o.state != stateStoppingCurrent {
		o.mu.Unlock()
		return ErrNotRunning
	}
	close(o.stopCh)
	o.mu.Unlock()

	o.workersMu.Lock()
	var stopWg sync.WaitGroup
	for _, w := range o.workers {
		stopWg.Add(1)
		go func(w *activeWorker) {
			defer stopWg.Done()
			w.stopRequested.Store(true)
			_ = o.adapter.Stop(ctx, w.session)
		}(w)
	}
	o.workersMu.Unlock()
	stopWg.Wait()

	o.wg.Wait()

	o.mu.Lock()
	o.state = stateStopped
	o.mu.Unlock()
	o.emitState()
	return nil
}

// StopAfterCurrent ceases admission of new work but lets every worker's
// current item finish naturally. It does not move the orchestrator to
// `stopped` once those items have finished: the state stays `stopping`
// until Stop is called.
func (o *Orchestrator) StopAfterCurrent() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateRunning {
		return ErrNotRunning
	}
	o.state = stateStoppingCurrent
	o.stopAfterCurrent = true
	return nil
}

// CancelStopAfterCurrent returns the orchestrator to `running` admission.
func (o *Orchestrator) CancelStopAfterCurrent() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateStoppingCurrent {
		return ErrNotRunning
	}
	o.state = stateRunning
	o.stopAfterCurrent = false
	o.signalTickLocked()
	return nil
}

func (o *Orchestrator) signalTick() {
	select {
	case o.tick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) signalTickLocked() {
	select {
	case o.tick <- struct{}{}:
	default:
	}
}

// admissionLoop is the teacher scheduler's processLoop, generalized to
// admit workers instead of dequeuing a local task queue.
func (o *Orchestrator) admissionLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.AdmissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.admit(ctx)
		case <-o.tick:
			o.admit(ctx)
		}
	}
}

// admit runs the spawn loop of spec §4.6 until admission is exhausted.
func (o *Orchestrator) admit(ctx context.Context) {
	o.mu.Lock()
	allowSpawn := o.state == stateRunning
	o.mu.Unlock()
	if !allowSpawn {
		return
	}

	for {
		ready, err := o.tasks.ReadyTasksCount(ctx)
		if err != nil {
			o.logger.Error("readyTasksCount failed", zap.Error(err))
			o.publishLifecycle(events.OrchestratorErr, map[string]string{"error": err.Error(), "source": "readyTasksCount"}, "")
			return
		}

		active := o.activeCount()
		limit := o.cfg.MaxWorkers
		if ready < limit {
			limit = ready
		}
		if active >= limit {
			return
		}

		name, ok := o.names.allocate()
		if !ok {
			return
		}

		task, err := o.tasks.NextReadyTask(ctx, name)
		if err != nil || task == nil {
			o.names.release(name)
			return
		}

		if err := o.tasks.ClaimTask(ctx, task.ID); err != nil {
			o.logger.Warn("claimTask failed, releasing name", zap.String("worker", name), zap.Error(err))
			o.names.release(name)
			continue
		}

		if err := o.spawnWorker(ctx, name, task); err != nil {
			o.logger.Error("spawnWorker failed", zap.String("worker", name), zap.Error(err))
			o.publishLifecycle(events.OrchestratorErr, map[string]string{"error": err.Error(), "source": "spawnWorker", "workerName": name}, task.ID)
			o.names.release(name)
			continue
		}
	}
}

func (o *Orchestrator) activeCount() int {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()
	return len(o.workers)
}

// ActiveWorkers reports how many workers are currently running, for health
// checks and CLI status output.
func (o *Orchestrator) ActiveWorkers() int {
	return o.activeCount()
}

func (o *Orchestrator) emitState() {
	if o.hub == nil {
		return
	}
	o.mu.Lock()
	st := string(o.state)
	o.mu.Unlock()
	o.publishLifecycle(events.StateChanged, map[string]any{"state": st}, "")
}

func (o *Orchestrator) publishLifecycle(eventType string, payload any, taskID string) {
	if o.hub == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	o.hub.Publish(hub.NewEnvelope("", o.cfg.WorkspaceID, eventType, 0, data), taskID)
}
