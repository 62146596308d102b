// Package worktree provides Git worktree lifecycle management for concurrent
// worker execution: one dedicated checkout and branch per (workerName, taskId).
package worktree

import "errors"

var (
	// ErrWorktreeExists reports that a worktree already exists for worker/task.
	// Create does not return it: it reuses a valid existing worktree.
	ErrWorktreeExists = errors.New("worktree already exists for worker/task")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchExists is returned when the branch name already exists in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrWorktreeCorrupted reports a corrupted or invalid worktree directory.
	// Create does not return it: it recreates such a directory from its branch.
	ErrWorktreeCorrupted = errors.New("worktree directory is corrupted")

	// ErrGitCommandFailed is returned when a git command fails to execute for a reason
	// other than one of the more specific sentinels below.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrMergeConflict is returned when a merge or rebase leaves conflict markers;
	// the repository is left in a merging state for the caller to resolve.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrNoCommits names the case of a branch with no commits beyond its base.
	// Cleanup does not return it: it removes such a branch and reports
	// CleanupResult{Reason: "no_commits"}.
	ErrNoCommits = errors.New("branch has no commits beyond base")

	// ErrNotMerging is returned by abortMerge/completeMerge when no merge is in progress.
	ErrNotMerging = errors.New("no merge in progress")

	// ErrMergeInProgress reports a prior merge left unresolved in the main
	// repository. Create and Recreate do not check for one and do not return it.
	ErrMergeInProgress = errors.New("merge already in progress")
)
