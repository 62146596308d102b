package worktree

import (
	"path/filepath"
	"regexp"
	"strings"
)

// BranchPrefix is the fixed namespace every worker branch lives under.
const BranchPrefix = "ralph/"

// worktreeDirSuffix is the deterministic subdirectory all worker worktrees
// hang off, relative to the main repository's parent directory.
const worktreeDirSuffix = "-worktrees"

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeToken strips characters a git ref or directory component cannot
// safely contain. workerName and taskId are expected to already be safe
// (dictionary words, issue-tracker IDs); this is a defensive backstop, not
// the primary correctness mechanism.
func sanitizeToken(s string) string {
	return unsafeBranchChars.ReplaceAllString(s, "-")
}

// WorktreePath returns the deterministic filesystem path for a worker's
// worktree: `<repo>-worktrees/<workerName>/<taskId>`. repoPath is the main
// repository's checkout directory (absolute or relative).
func WorktreePath(repoPath, workerName, taskID string) string {
	base := strings.TrimSuffix(repoPath, string(filepath.Separator))
	return filepath.Join(base+worktreeDirSuffix, sanitizeToken(workerName), sanitizeToken(taskID))
}

// BranchName returns the deterministic branch name for a worker's worktree:
// `ralph/<workerName>/<taskId>`.
func BranchName(workerName, taskID string) string {
	return BranchPrefix + sanitizeToken(workerName) + "/" + sanitizeToken(taskID)
}

// ParseBranchName extracts (workerName, taskID) from a branch produced by
// BranchName, for list() filtering against `git worktree list --porcelain`.
func ParseBranchName(branch string) (workerName, taskID string, ok bool) {
	if !strings.HasPrefix(branch, BranchPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(branch, BranchPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// WorkerBaseDir returns the directory all of one worker's worktrees live
// under: `<repo>-worktrees/<workerName>/`.
func WorkerBaseDir(repoPath, workerName string) string {
	base := strings.TrimSuffix(repoPath, string(filepath.Separator))
	return filepath.Join(base+worktreeDirSuffix, sanitizeToken(workerName))
}
