package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/agent"
	"github.com/kandev/ralph/internal/store"
	"github.com/kandev/ralph/internal/worktree"
)

var errClaimDenied = errors.New("claim denied")

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t.com", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

// fakeTaskStore serves a fixed task list and records claim/close calls.
type fakeTaskStore struct {
	mu      sync.Mutex
	pending []*Task
	claimed []string
	closed  []string
	claimErr error
}

func (f *fakeTaskStore) ReadyTasksCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), nil
}

func (f *fakeTaskStore) NextReadyTask(ctx context.Context, workerName string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	task := f.pending[0]
	f.pending = f.pending[1:]
	return task, nil
}

func (f *fakeTaskStore) ClaimTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, taskID)
	return nil
}

func (f *fakeTaskStore) CloseTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, taskID)
	return nil
}

// instantAdapter simulates a real agent CLI that commits one file into its
// worktree and exits cleanly shortly after Start.
type instantAdapter struct{}

func (instantAdapter) Info() agent.Info { return agent.Info{ID: "instant"} }
func (instantAdapter) IsAvailable(ctx context.Context) bool { return true }

func (instantAdapter) Start(ctx context.Context, opts agent.StartOptions) (*agent.Session, error) {
	sess := agent.NewSession(opts.WorkerName, opts.TaskID, "instant", opts.WorkspaceID, opts.Cwd, nil)
	_ = sess.Transition(agent.StatusStarting)
	_ = sess.Transition(agent.StatusRunning)

	go func() {
		cmd := exec.Command("git", "commit", "--allow-empty", "-m", "work")
		cmd.Dir = opts.Cwd
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t.com", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t.com")
		_ = cmd.Run()

		time.Sleep(10 * time.Millisecond)
		_ = sess.Transition(agent.StatusStopped)
		sess.Close()
	}()

	return sess, nil
}

func (instantAdapter) Send(ctx context.Context, sess *agent.Session, msg agent.UserMessage) error {
	return nil
}
func (instantAdapter) Pause(ctx context.Context, sess *agent.Session) error  { return nil }
func (instantAdapter) Resume(ctx context.Context, sess *agent.Session) error { return nil }
func (instantAdapter) Stop(ctx context.Context, sess *agent.Session) error   { return nil }
func (instantAdapter) StopAfterCurrent(ctx context.Context, sess *agent.Session) error {
	return nil
}

func newTestOrchestrator(t *testing.T, tasks *fakeTaskStore) (*Orchestrator, string) {
	t.Helper()
	repo := initTestRepo(t)
	wm, err := worktree.NewManager(repo, nil)
	require.NoError(t, err)

	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o := New(Config{MaxWorkers: 2, AdmissionInterval: 20 * time.Millisecond, WorkspaceID: "ws-1"}, tasks, wm, instantAdapter{}, st, nil, nil)
	return o, repo
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestOrchestrator_SpawnsWorkerAndClosesTaskOnCleanExit(t *testing.T) {
	tasks := &fakeTaskStore{pending: []*Task{{ID: "task-1", BaseBranch: "main"}}}
	o, _ := newTestOrchestrator(t, tasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	waitFor(t, 2*time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.closed) == 1
	})

	require.Equal(t, []string{"task-1"}, tasks.closed)
	require.Equal(t, 0, o.activeCount())
}

func TestOrchestrator_AdmissionRespectsReadyTaskCount(t *testing.T) {
	tasks := &fakeTaskStore{pending: []*Task{{ID: "task-1", BaseBranch: "main"}}}
	o, _ := newTestOrchestrator(t, tasks)
	o.cfg.MaxWorkers = 5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	waitFor(t, 2*time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.closed) == 1
	})
	// Only ever one task was ever available, so only one worker should spawn.
	require.Len(t, tasks.claimed, 1)
}

func TestOrchestrator_StartTwiceReturnsError(t *testing.T) {
	tasks := &fakeTaskStore{}
	o, _ := newTestOrchestrator(t, tasks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, o.Start(ctx))
	require.ErrorIs(t, o.Start(ctx), ErrAlreadyRunning)
}

func TestOrchestrator_StopWorkerSkipsMergeAndClose(t *testing.T) {
	tasks := &fakeTaskStore{pending: []*Task{{ID: "task-1", BaseBranch: "main"}}}
	o, _ := newTestOrchestrator(t, tasks)
	o.cfg.AdmissionInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	waitFor(t, 2*time.Second, func() bool { return o.activeCount() == 1 })

	require.NoError(t, o.StopWorker(ctx, "homer"))

	waitFor(t, 2*time.Second, func() bool { return o.activeCount() == 0 })

	// An operator-initiated stop must not run postIterationMerge/CloseTask,
	// unlike a clean exit (reason:"completed").
	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	require.Empty(t, tasks.closed)
}

func TestOrchestrator_ClaimFailureSkipsWithoutSpawning(t *testing.T) {
	tasks := &fakeTaskStore{
		pending:  []*Task{{ID: "task-1", BaseBranch: "main"}},
		claimErr: errClaimDenied,
	}
	o, _ := newTestOrchestrator(t, tasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	// Give the admission loop a few ticks to exhaust the one pending task
	// against the failing ClaimTask call.
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 0, o.activeCount())
	require.Empty(t, tasks.claimed)
	require.Empty(t, tasks.closed)
}
