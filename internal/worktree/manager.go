package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

const (
	defaultGitFetchTimeout = 8 * time.Second
	defaultGitPullTimeout  = 8 * time.Second
)

// repoLockEntry tracks a repository lock and its reference count.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager handles Git worktree operations for concurrent worker execution.
// State is derived from git itself: there is no persisted worktree record,
// only the filesystem layout and branches that naming.go makes deterministic.
type Manager struct {
	repoPath   string
	logger     *logger.Logger
	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex

	fetchTimeout time.Duration
	pullTimeout  time.Duration
}

// NewManager creates a new worktree manager rooted at repoPath, the main
// repository checkout every worker's worktree branches off of.
func NewManager(repoPath string, log *logger.Logger) (*Manager, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("repoPath must not be empty")
	}
	if log == nil {
		log = logger.Default()
	}

	m := &Manager{
		repoPath:     repoPath,
		logger:       log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks:    make(map[string]*repoLockEntry),
		fetchTimeout: defaultGitFetchTimeout,
		pullTimeout:  defaultGitPullTimeout,
	}
	if !m.isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}
	return m, nil
}

// getRepoLock returns a mutex for the given repository path and increments its reference count.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if entry, exists := m.repoLocks[repoPath]; exists {
		entry.refCount++
		return entry.mu
	}

	entry := &repoLockEntry{
		mu:       &sync.Mutex{},
		refCount: 1,
	}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

// releaseRepoLock decrements the reference count for a repository lock.
// If the count reaches zero, the lock is removed from the map to prevent memory leaks.
func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	entry, exists := m.repoLocks[repoPath]
	if !exists {
		return
	}

	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
		m.logger.Debug("released repository lock", zap.String("repository_path", repoPath))
	}
}

func (m *Manager) withRepoLock(fn func()) {
	lock := m.getRepoLock(m.repoPath)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock(m.repoPath)
	}()
	fn()
}

// Create creates a new worktree for (workerName, taskId), or returns the
// existing one if it is already valid. If a stale directory exists at the
// deterministic path but fails validation, it is recreated in place.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (wt *Worktree, err error) {
	if req.WorkerName == "" || req.TaskID == "" {
		return nil, fmt.Errorf("workerName and taskID are required")
	}
	if req.BaseBranch == "" {
		return nil, fmt.Errorf("baseBranch is required")
	}

	path := WorktreePath(m.repoPath, req.WorkerName, req.TaskID)
	branch := BranchName(req.WorkerName, req.TaskID)

	if m.IsValid(path) {
		m.logger.Debug("reusing existing worktree",
			zap.String("worker_name", req.WorkerName),
			zap.String("task_id", req.TaskID),
			zap.String("path", path))
		return &Worktree{
			WorkerName: req.WorkerName,
			TaskID:     req.TaskID,
			Path:       path,
			Branch:     branch,
			BaseBranch: req.BaseBranch,
			CreatedAt:  time.Now(),
		}, nil
	}

	if _, statErr := os.Stat(path); statErr == nil {
		// Directory exists but failed validation - stale/corrupted, recreate.
		m.logger.Warn("worktree directory invalid, recreating",
			zap.String("worker_name", req.WorkerName),
			zap.String("task_id", req.TaskID),
			zap.String("path", path))
		return m.Recreate(ctx, req)
	}

	if !m.isGitRepo(m.repoPath) {
		return nil, ErrRepoNotGit
	}

	m.withRepoLock(func() {
		baseRef := req.BaseBranch
		if req.PullBase {
			baseRef = m.pullBaseBranch(m.repoPath, req.BaseBranch)
		}

		if !m.branchExists(m.repoPath, baseRef) {
			err = fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseRef)
			return
		}

		if m.branchExists(m.repoPath, branch) {
			err = fmt.Errorf("%w: %s", ErrBranchExists, branch)
			return
		}

		if gitErr := m.gitAddWorktree(ctx, branch, path, baseRef); gitErr != nil {
			err = gitErr
			return
		}

		wt = &Worktree{
			WorkerName: req.WorkerName,
			TaskID:     req.TaskID,
			Path:       path,
			Branch:     branch,
			BaseBranch: req.BaseBranch,
			CreatedAt:  time.Now(),
		}

		m.logger.Info("created worktree",
			zap.String("worker_name", req.WorkerName),
			zap.String("task_id", req.TaskID),
			zap.String("path", path),
			zap.String("branch", branch))
	})

	return wt, err
}

// gitAddWorktree runs "git worktree add -b <branch> <path> <baseRef>".
func (m *Manager) gitAddWorktree(ctx context.Context, branch, path, baseRef string) error {
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "worktree", "add", "-b", branch, path, baseRef)
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// Exists reports whether a valid worktree exists for (workerName, taskId).
func (m *Manager) Exists(workerName, taskID string) bool {
	return m.IsValid(WorktreePath(m.repoPath, workerName, taskID))
}

// IsValid checks if a worktree directory is valid and usable: the directory
// exists and its .git file points back at the main repository.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}

	return strings.HasPrefix(string(content), "gitdir:")
}

// List returns every worktree currently registered with git whose branch
// matches the ralph/<workerName>/<taskId> naming convention.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "worktree", "list", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: git worktree list failed", ErrGitCommandFailed)
	}

	var result []*Worktree
	var curPath, curBranch string
	flush := func() {
		if curPath == "" || curBranch == "" {
			return
		}
		if workerName, taskID, ok := ParseBranchName(curBranch); ok {
			result = append(result, &Worktree{
				WorkerName: workerName,
				TaskID:     taskID,
				Path:       curPath,
				Branch:     curBranch,
			})
		}
	}

	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			curPath = strings.TrimPrefix(line, "worktree ")
			curBranch = ""
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			curBranch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "":
			flush()
			curPath, curBranch = "", ""
		}
	}
	flush()

	return result, nil
}

// Remove removes a worker's worktree directory and, optionally, its branch.
func (m *Manager) Remove(ctx context.Context, workerName, taskID string, removeBranch bool) error {
	path := WorktreePath(m.repoPath, workerName, taskID)
	branch := BranchName(workerName, taskID)

	var err error
	m.withRepoLock(func() {
		if remErr := m.removeWorktreeDir(ctx, path); remErr != nil {
			m.logger.Warn("failed to remove worktree directory", zap.String("path", path), zap.Error(remErr))
		}

		if !removeBranch {
			return
		}

		cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "branch", "-D", branch)
		if output, branchErr := cmd.CombinedOutput(); branchErr != nil {
			m.logger.Warn("failed to delete branch",
				zap.String("branch", branch),
				zap.String("output", string(output)),
				zap.Error(branchErr))
		}
	})

	m.logger.Info("removed worktree",
		zap.String("worker_name", workerName),
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.Bool("branch_removed", removeBranch))

	return err
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to a forced filesystem removal plus prune.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath string) error {
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "worktree", "remove", "--force", worktreePath)
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := m.forceRemoveDir(ctx, worktreePath); err != nil {
			return err
		}

		pruneCmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "worktree", "prune")
		if err := pruneCmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// forceRemoveDir removes a directory, retrying on transient failures before
// falling back to a shelled-out rm -rf as a last resort.
func (m *Manager) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	for i := range maxRetries {
		err := os.RemoveAll(dir)
		if err == nil {
			return nil
		}
		if i < maxRetries-1 {
			m.logger.Debug("os.RemoveAll failed, retrying",
				zap.String("path", dir),
				zap.Int("attempt", i+1),
				zap.Error(err))
			time.Sleep(retryDelay)
		}
	}

	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// Recreate rebuilds a worker's worktree directory from its existing branch,
// used after the directory is found missing or corrupted but the branch
// survives in the main repository.
func (m *Manager) Recreate(ctx context.Context, req CreateRequest) (*Worktree, error) {
	path := WorktreePath(m.repoPath, req.WorkerName, req.TaskID)
	branch := BranchName(req.WorkerName, req.TaskID)

	if err := os.RemoveAll(path); err != nil {
		m.logger.Debug("failed to remove existing worktree path", zap.Error(err))
	}

	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = m.repoPath
	if err := pruneCmd.Run(); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}

	var wt *Worktree
	var err error
	m.withRepoLock(func() {
		if !m.branchExists(m.repoPath, branch) {
			err = fmt.Errorf("%w: branch %s does not exist", ErrWorktreeNotFound, branch)
			return
		}

		cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "worktree", "add", path, branch)
		if output, cmdErr := cmd.CombinedOutput(); cmdErr != nil {
			m.logger.Error("failed to recreate worktree", zap.String("output", string(output)), zap.Error(cmdErr))
			err = fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
			return
		}

		wt = &Worktree{
			WorkerName: req.WorkerName,
			TaskID:     req.TaskID,
			Path:       path,
			Branch:     branch,
			BaseBranch: req.BaseBranch,
			CreatedAt:  time.Now(),
		}

		m.logger.Info("recreated worktree",
			zap.String("worker_name", req.WorkerName),
			zap.String("task_id", req.TaskID),
			zap.String("path", path))
	})

	return wt, err
}

// IsMergeInProgress reports whether the main repository has an unresolved
// merge, keyed on the existence of .git/MERGE_HEAD.
func (m *Manager) IsMergeInProgress() bool {
	_, err := os.Stat(filepath.Join(m.repoPath, ".git", "MERGE_HEAD"))
	return err == nil
}

// GetConflictingFiles returns paths with unresolved conflict markers in the
// main repository's working tree.
func (m *Manager) GetConflictingFiles(ctx context.Context) ([]string, error) {
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "diff", "--name-only", "--diff-filter=U")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list conflicting files", ErrGitCommandFailed)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// hasCommitsBeyondBase reports whether branch has any commit not reachable
// from baseBranch.
func (m *Manager) hasCommitsBeyondBase(ctx context.Context, branch, baseBranch string) bool {
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "rev-list", "--count", baseBranch+".."+branch)
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) != "0"
}

// Merge merges a worker's branch into its base branch with --no-ff, checking
// the base branch out first. On conflict the repository is left in a merging
// state for the caller to resolve via AbortMerge or CompleteMerge.
func (m *Manager) Merge(ctx context.Context, workerName, taskID string) (*MergeResult, error) {
	wt, baseBranch, err := m.worktreeAndBase(ctx, workerName, taskID)
	if err != nil {
		return nil, err
	}

	var result *MergeResult
	m.withRepoLock(func() {
		result, err = m.mergeBranch(ctx, wt.Branch, baseBranch)
	})
	return result, err
}

func (m *Manager) mergeBranch(ctx context.Context, branch, baseBranch string) (*MergeResult, error) {
	checkout := m.newNonInteractiveGitCmd(ctx, m.repoPath, "checkout", baseBranch)
	if output, err := checkout.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: checkout %s failed: %s", ErrGitCommandFailed, baseBranch, string(output))
	}

	mergeCmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "merge", "--no-ff", "--no-edit", branch)
	output, err := mergeCmd.CombinedOutput()
	if err == nil {
		return &MergeResult{Merged: true}, nil
	}

	if m.IsMergeInProgress() {
		files, _ := m.GetConflictingFiles(ctx)
		m.logger.Warn("merge conflict",
			zap.String("branch", branch),
			zap.Strings("conflicting_files", files))
		return &MergeResult{Conflict: true, ConflictingFiles: files}, ErrMergeConflict
	}

	return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
}

// Rebase rebases a worker's branch onto its base branch, run inside the
// worker's own worktree so the main checkout is left untouched.
func (m *Manager) Rebase(ctx context.Context, workerName, taskID string) (*MergeResult, error) {
	wt, baseBranch, err := m.worktreeAndBase(ctx, workerName, taskID)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", "rebase", baseBranch)
	cmd.Dir = wt.Path
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err == nil {
		return &MergeResult{Merged: true}, nil
	}

	if _, statErr := os.Stat(filepath.Join(wt.Path, ".git")); statErr == nil {
		conflictCmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "--diff-filter=U")
		conflictCmd.Dir = wt.Path
		if out, cErr := conflictCmd.Output(); cErr == nil {
			var files []string
			for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
				if line != "" {
					files = append(files, line)
				}
			}
			if len(files) > 0 {
				return &MergeResult{Conflict: true, ConflictingFiles: files}, ErrMergeConflict
			}
		}
	}

	return nil, fmt.Errorf("%w: rebase failed: %s", ErrGitCommandFailed, string(output))
}

// AbortMerge aborts an in-progress merge in the main repository.
func (m *Manager) AbortMerge(ctx context.Context) error {
	if !m.IsMergeInProgress() {
		return ErrNotMerging
	}
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "merge", "--abort")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// CompleteMerge commits a merge whose conflicts have already been resolved
// and staged by the caller.
func (m *Manager) CompleteMerge(ctx context.Context) error {
	if !m.IsMergeInProgress() {
		return ErrNotMerging
	}
	files, err := m.GetConflictingFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return fmt.Errorf("%w: %d file(s) still conflicting", ErrMergeConflict, len(files))
	}
	cmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "commit", "--no-edit")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// Cleanup applies the commit-aware removal policy: a branch with no commits
// beyond its base is removed outright; otherwise it is merged, and removed
// only if the merge succeeds. A conflicting merge leaves the worktree intact
// for manual resolution.
func (m *Manager) Cleanup(ctx context.Context, workerName, taskID string) (*CleanupResult, error) {
	wt, baseBranch, err := m.worktreeAndBase(ctx, workerName, taskID)
	if err != nil {
		return nil, err
	}

	if !m.hasCommitsBeyondBase(ctx, wt.Branch, baseBranch) {
		if err := m.Remove(ctx, workerName, taskID, true); err != nil {
			return nil, err
		}
		return &CleanupResult{Removed: true, Reason: "no_commits"}, nil
	}

	result, mergeErr := m.Merge(ctx, workerName, taskID)
	if mergeErr != nil {
		if errors.Is(mergeErr, ErrMergeConflict) {
			return &CleanupResult{Merged: false, Reason: "merge_conflict"}, mergeErr
		}
		return nil, mergeErr
	}

	if err := m.Remove(ctx, workerName, taskID, true); err != nil {
		return nil, err
	}

	_ = result
	return &CleanupResult{Removed: true, Merged: true, Reason: "merged"}, nil
}

// PostIterationMerge merges a worker's current progress into the base branch
// after each loop iteration, then rebases the worker's branch on top so the
// next iteration starts from an up-to-date base. Rebase is skipped if the
// merge returned any error; on a conflict the main repository is left
// mid-merge.
func (m *Manager) PostIterationMerge(ctx context.Context, workerName, taskID string) (*MergeResult, error) {
	mergeResult, err := m.Merge(ctx, workerName, taskID)
	if err != nil {
		return mergeResult, err
	}

	return m.Rebase(ctx, workerName, taskID)
}

func (m *Manager) worktreeAndBase(ctx context.Context, workerName, taskID string) (*Worktree, string, error) {
	path := WorktreePath(m.repoPath, workerName, taskID)
	if !m.IsValid(path) {
		return nil, "", ErrWorktreeNotFound
	}
	branch := BranchName(workerName, taskID)

	// The base branch isn't tracked outside git itself; it is taken to be the
	// branch currently checked out in the main repository, falling back to
	// "main". Merge, Rebase and Cleanup all rely on this lookup.
	baseCmd := m.newNonInteractiveGitCmd(ctx, m.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	output, err := baseCmd.Output()
	baseBranch := strings.TrimSpace(string(output))
	if err != nil || baseBranch == "" {
		baseBranch = "main"
	}

	return &Worktree{
		WorkerName: workerName,
		TaskID:     taskID,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
	}, baseBranch, nil
}

// isGitRepo checks if a path is a Git repository.
func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a branch exists in the repository.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	err := cmd.Run()
	return err == nil
}

func (m *Manager) currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (m *Manager) newNonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	// After the context cancels and the process is killed, child processes
	// (e.g. credential helpers) may still hold stdout/stderr pipes open.
	// WaitDelay bounds how long CombinedOutput waits for those pipes to close.
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}

	out := strings.ToLower(cmdOutput)
	if strings.Contains(out, "authentication failed") ||
		strings.Contains(out, "terminal prompts disabled") ||
		strings.Contains(out, "could not read username") ||
		strings.Contains(out, "username for 'https://") ||
		strings.Contains(out, "askpass") {
		return "non_interactive_auth_failed"
	}

	return "git_command_failed"
}

// pullBaseBranch fetches the latest changes from origin and returns the best ref to use
// for creating a new worktree. The function handles three scenarios:
//
//  1. baseBranch is already a remote ref (e.g., "origin/main"): fetch and use it directly
//  2. baseBranch is a local branch and we're currently on it: pull --ff-only to update
//  3. baseBranch is a local branch but we're on a different branch: use origin/<branch> instead
//
// On fetch/pull failure, errors are logged but the function continues with the best available ref.
func (m *Manager) pullBaseBranch(repoPath, baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancelFetch := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancelFetch()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := m.newNonInteractiveGitCmd(fetchCtx, repoPath, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		m.logger.Warn("git fetch failed before worktree creation; continuing with fallback ref",
			zap.String("branch", baseBranch),
			zap.String("reason", classifyGitFallbackReason(err, string(output), fetchCtx.Err())),
			zap.String("fallback_ref", baseBranch),
			zap.String("output", string(output)),
			zap.Error(err))
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	currentBranch := m.currentBranch(repoPath)

	if currentBranch == baseBranch {
		pullCtx, cancelPull := context.WithTimeout(context.Background(), m.pullTimeout)
		defer cancelPull()

		pullCmd := m.newNonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			m.logger.Warn("git pull failed before worktree creation; continuing with remote ref",
				zap.String("branch", baseBranch),
				zap.String("reason", classifyGitFallbackReason(err, string(output), pullCtx.Err())),
				zap.String("remote_ref", remoteRef),
				zap.String("output", string(output)),
				zap.Error(err))
			return remoteRef
		}
		return baseBranch
	}

	if m.branchExists(repoPath, remoteRef) {
		return remoteRef
	}

	return baseBranch
}
