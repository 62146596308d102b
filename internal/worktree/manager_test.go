package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initTestRepo creates a throwaway git repository with one commit on main,
// returning its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0755))

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, string(out))
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	repoPath := initTestRepo(t)
	m, err := NewManager(repoPath, nil)
	require.NoError(t, err)
	return m, repoPath
}

func TestNewManager_RejectsNonGitRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := NewManager(dir, nil)
	require.ErrorIs(t, err, ErrRepoNotGit)
}

func TestManager_CreateAndExists(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)
	require.Equal(t, WorktreePath(repoPath, "worker-a", "task-1"), wt.Path)
	require.Equal(t, "ralph/worker-a/task-1", wt.Branch)
	require.True(t, m.Exists("worker-a", "task-1"))
}

func TestManager_CreateIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)

	second, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)
	require.Equal(t, first.Path, second.Path)
}

func TestManager_CreateRejectsUnknownBaseBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "does-not-exist"})
	require.ErrorIs(t, err, ErrInvalidBaseBranch)
}

func TestManager_ListFiltersByBranchConvention(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateRequest{WorkerName: "worker-b", TaskID: "task-2", BaseBranch: "main"})
	require.NoError(t, err)

	// An unrelated worktree/branch must not appear in List().
	otherPath := filepath.Join(repoPath+"-worktrees", "other")
	cmd := exec.Command("git", "worktree", "add", "-b", "unrelated-branch", otherPath, "main")
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "setup: %s", string(out))

	worktrees, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, worktrees, 2)

	names := map[string]string{}
	for _, wt := range worktrees {
		names[wt.WorkerName] = wt.TaskID
	}
	require.Equal(t, "task-1", names["worker-a"])
	require.Equal(t, "task-2", names["worker-b"])
}

func TestManager_RemoveDeletesWorktreeAndBranch(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)
	require.True(t, m.Exists("worker-a", "task-1"))

	require.NoError(t, m.Remove(ctx, "worker-a", "task-1", true))
	require.False(t, m.Exists("worker-a", "task-1"))

	cmd := exec.Command("git", "rev-parse", "--verify", "ralph/worker-a/task-1")
	cmd.Dir = repoPath
	require.Error(t, cmd.Run(), "branch should have been deleted")
}

func TestManager_RecreateRebuildsDirectoryFromExistingBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(wt.Path))
	require.False(t, m.IsValid(wt.Path))

	recreated, err := m.Recreate(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)
	require.True(t, m.IsValid(recreated.Path))
}

func TestManager_CleanupRemovesBranchWithNoCommits(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)

	result, err := m.Cleanup(ctx, "worker-a", "task-1")
	require.NoError(t, err)
	require.True(t, result.Removed)
	require.Equal(t, "no_commits", result.Reason)
	require.False(t, m.Exists("worker-a", "task-1"))
}

func TestManager_CleanupMergesBranchWithCommits(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, CreateRequest{WorkerName: "worker-a", TaskID: "task-1", BaseBranch: "main"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "feature.txt"), []byte("work\n"), 0644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "add feature"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wt.Path
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, string(out))
	}

	result, err := m.Cleanup(ctx, "worker-a", "task-1")
	require.NoError(t, err)
	require.True(t, result.Merged)
	require.Equal(t, "merged", result.Reason)
	require.False(t, m.Exists("worker-a", "task-1"))

	require.FileExists(t, filepath.Join(repoPath, "feature.txt"))
}

func TestManager_IsMergeInProgressAndAbort(t *testing.T) {
	m, _ := newTestManager(t)
	require.False(t, m.IsMergeInProgress())
	require.ErrorIs(t, m.AbortMerge(context.Background()), ErrNotMerging)
}

func TestNaming_ParseBranchNameRoundTrip(t *testing.T) {
	branch := BranchName("worker-a", "task-123")
	workerName, taskID, ok := ParseBranchName(branch)
	require.True(t, ok)
	require.Equal(t, "worker-a", workerName)
	require.Equal(t, "task-123", taskID)
}

func TestNaming_ParseBranchNameRejectsForeignBranches(t *testing.T) {
	_, _, ok := ParseBranchName("main")
	require.False(t, ok)

	_, _, ok = ParseBranchName("feature/something")
	require.False(t, ok)
}
