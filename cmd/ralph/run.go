package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run <iterations>",
	Short: "Admit workers until <iterations> tasks have completed, then stop",
	RunE:  runRun,
}

// countingTaskStore decorates a TaskStore, notifying onClose every time a
// task closes so `run` can stop after a bounded number of iterations.
type countingTaskStore struct {
	orchestrator.TaskStore
	onClose func()
}

func (c *countingTaskStore) CloseTask(ctx context.Context, taskID string) error {
	if err := c.TaskStore.CloseTask(ctx, taskID); err != nil {
		return err
	}
	c.onClose()
	return nil
}

// completionCounter signals done once target CloseTask calls have landed.
type completionCounter struct {
	mu     sync.Mutex
	count  int
	target int
	done   chan struct{}
}

func newCompletionCounter(target int) *completionCounter {
	return &completionCounter{target: target, done: make(chan struct{})}
}

func (c *completionCounter) increment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count >= c.target {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usageError(fmt.Errorf("run expects exactly one argument, <iterations>"))
	}
	iterations, err := strconv.Atoi(args[0])
	if err != nil || iterations <= 0 {
		return usageError(fmt.Errorf("iterations must be a positive integer, got %q", args[0]))
	}

	cfg, err := loadConfig()
	if err != nil {
		return runtimeError(fmt.Errorf("load config: %w", err))
	}

	counter := newCompletionCounter(iterations)
	d, err := wireWithTaskStore(cfg, agentFlag, func(ts orchestrator.TaskStore) orchestrator.TaskStore {
		return &countingTaskStore{TaskStore: ts, onClose: counter.increment}
	})
	if err != nil {
		return runtimeError(err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go d.eventHub.Run(ctx)

	if err := d.orchestrator.Start(ctx); err != nil {
		return runtimeError(fmt.Errorf("start orchestrator: %w", err))
	}

	if watchFlag {
		d.logger.Info("watch mode: ignoring iteration bound, waiting for interrupt",
			zap.Int("iterations", iterations))
		<-ctx.Done()
	} else {
		select {
		case <-counter.done:
			d.logger.Info("completed requested iterations", zap.Int("iterations", iterations))
		case <-ctx.Done():
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.orchestrator.Stop(stopCtx); err != nil {
		return runtimeError(fmt.Errorf("stop orchestrator: %w", err))
	}

	if ctx.Err() != nil {
		return interruptedError(ctx.Err())
	}
	return nil
}
