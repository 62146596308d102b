package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/agent"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/hub"
	"github.com/kandev/ralph/internal/store"
	"github.com/kandev/ralph/internal/worktree"
)

// activeWorker is the orchestrator's bookkeeping for one running worker.
type activeWorker struct {
	name    string
	taskID  string
	session *agent.Session

	// stopRequested distinguishes an operator-initiated stop from a clean
	// exit, since both surface to handleTermination as a closed event
	// stream with no fatal error observed.
	stopRequested atomic.Bool
}

// initialTaskPrompt is the first turn sent to a freshly spawned worker.
func initialTaskPrompt(taskID string) string {
	return fmt.Sprintf("Begin work on task %s.", taskID)
}

// spawnWorker creates the worktree, starts an adapter session rooted there,
// registers the session in the Store, and wires its event stream to the
// Hub and to termination handling (spec §4.6 steps 5-7).
func (o *Orchestrator) spawnWorker(ctx context.Context, name string, task *Task) error {
	wt, err := o.worktree.Create(ctx, worktree.CreateRequest{
		WorkerName: name,
		TaskID:     task.ID,
		BaseBranch: task.BaseBranch,
		PullBase:   true,
	})
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}

	sess, err := o.adapter.Start(ctx, agent.StartOptions{
		Cwd:         wt.Path,
		WorkerName:  name,
		TaskID:      task.ID,
		WorkspaceID: o.cfg.WorkspaceID,
	})
	if err != nil {
		return fmt.Errorf("start adapter session: %w", err)
	}

	if o.sessions != nil {
		_ = o.sessions.CreateSession(ctx, store.Session{
			ID:          sess.ID,
			WorkspaceID: o.cfg.WorkspaceID,
			TaskID:      task.ID,
			WorkerName:  name,
			AdapterKind: sess.AdapterKind,
			Status:      string(sess.Status()),
		})
	}

	w := &activeWorker{name: name, taskID: task.ID, session: sess}
	o.workersMu.Lock()
	o.workers[name] = w
	o.workersMu.Unlock()

	o.publishLifecycle(events.WorkerStarted, map[string]string{"workerName": name}, task.ID)
	o.publishLifecycle(events.SessionCreated, map[string]string{"sessionId": sess.ID, "workerName": name}, task.ID)

	if err := o.adapter.Send(ctx, sess, agent.UserMessage{Content: initialTaskPrompt(task.ID)}); err != nil {
		o.logger.Error("send initial task prompt failed", zap.String("worker", name), zap.Error(err))
	} else {
		o.publishLifecycle(events.WorkStarted, map[string]string{"workerName": name, "taskId": task.ID}, task.ID)
	}

	o.emitState()

	o.wg.Add(1)
	go o.runWorker(ctx, w)
	return nil
}

// runWorker drains one session's event stream, persisting and fanning out
// every event, until the adapter closes the event stream; a fatal event seen
// on the way is remembered for handleTermination but does not end the loop.
func (o *Orchestrator) runWorker(ctx context.Context, w *activeWorker) {
	defer o.wg.Done()

	fatal := false
	for ev := range w.session.Events() {
		o.persistAndPublish(ctx, w, ev)
		if ev.Type == agent.EventError && ev.Fatal {
			fatal = true
		}
	}

	o.handleTermination(ctx, w, fatal)
}

func (o *Orchestrator) persistAndPublish(ctx context.Context, w *activeWorker, ev agent.Event) int64 {
	payload, err := json.Marshal(ev)
	if err != nil {
		o.logger.Error("marshal event", zap.Error(err))
		return -1
	}

	var idx int64 = -1
	if o.sessions != nil {
		idx, err = o.sessions.AppendEvent(ctx, w.session.ID, string(ev.Type), o.cfg.WorkspaceID, ev)
		if err != nil {
			o.logger.Error("append event failed", zap.String("session", w.session.ID), zap.Error(err))
		}
	}

	if o.hub != nil {
		o.hub.Publish(hub.NewEnvelope(w.session.ID, o.cfg.WorkspaceID, string(ev.Type), idx, payload), w.taskID)
	}
	return idx
}

// handleTermination implements the worker-termination rules of spec §4.6:
// clean exit attempts a post-iteration merge and closes the task on
// success; a fatal error or merge conflict leaves the worktree in place.
func (o *Orchestrator) handleTermination(ctx context.Context, w *activeWorker, fatal bool) {
	o.workersMu.Lock()
	delete(o.workers, w.name)
	o.workersMu.Unlock()
	o.names.release(w.name)

	if fatal {
		o.publishLifecycle(events.WorkerStopped, map[string]string{"workerName": w.name, "reason": "error"}, w.taskID)
		o.emitState()
		o.signalTick()
		return
	}

	if w.stopRequested.Load() {
		o.publishLifecycle(events.WorkerStopped, map[string]string{"workerName": w.name, "reason": "stopped"}, w.taskID)
		o.emitState()
		o.signalTick()
		return
	}

	result, err := o.worktree.PostIterationMerge(ctx, w.name, w.taskID)
	switch {
	case err != nil:
		o.logger.Error("postIterationMerge failed", zap.String("worker", w.name), zap.Error(err))
		o.publishLifecycle(events.WorkerStopped, map[string]string{"workerName": w.name, "reason": "error", "error": err.Error()}, w.taskID)
		o.publishLifecycle(events.OrchestratorErr, map[string]string{"error": err.Error(), "source": "postIterationMerge", "workerName": w.name}, w.taskID)
	case result.Conflict:
		o.publishLifecycle(events.WorkerStopped, map[string]any{"workerName": w.name, "reason": "error", "conflictingFiles": result.ConflictingFiles}, w.taskID)
	default:
		if err := o.tasks.CloseTask(ctx, w.taskID); err != nil {
			o.logger.Error("closeTask failed", zap.String("task", w.taskID), zap.Error(err))
		}
		_ = o.worktree.Remove(ctx, w.name, w.taskID, true)
		o.publishLifecycle(events.WorkCompleted, map[string]string{"workerName": w.name, "taskId": w.taskID}, w.taskID)
		o.publishLifecycle(events.WorkerStopped, map[string]string{"workerName": w.name, "reason": "completed"}, w.taskID)
	}

	o.emitState()
	o.signalTick()
}

// PauseWorker routes a pause control to the owning adapter session.
func (o *Orchestrator) PauseWorker(ctx context.Context, name string) error {
	w, ok := o.worker(name)
	if !ok {
		return ErrWorkerNotFound
	}
	if err := o.adapter.Pause(ctx, w.session); err != nil {
		return err
	}
	o.publishLifecycle(events.WorkerPaused, map[string]string{"workerName": name}, w.taskID)
	return nil
}

// ResumeWorker routes a resume control to the owning adapter session.
func (o *Orchestrator) ResumeWorker(ctx context.Context, name string) error {
	w, ok := o.worker(name)
	if !ok {
		return ErrWorkerNotFound
	}
	if err := o.adapter.Resume(ctx, w.session); err != nil {
		return err
	}
	o.publishLifecycle(events.WorkerResumed, map[string]string{"workerName": name}, w.taskID)
	return nil
}

// StopWorker immediately stops one worker's adapter session.
func (o *Orchestrator) StopWorker(ctx context.Context, name string) error {
	w, ok := o.worker(name)
	if !ok {
		return ErrWorkerNotFound
	}
	w.stopRequested.Store(true)
	return o.adapter.Stop(ctx, w.session)
}

func (o *Orchestrator) worker(name string) (*activeWorker, bool) {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()
	w, ok := o.workers[name]
	return w, ok
}
