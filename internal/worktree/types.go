package worktree

import "time"

// Worktree describes one worker's dedicated checkout and branch, derived
// from git itself rather than a persisted record.
type Worktree struct {
	WorkerName string
	TaskID     string
	Path       string
	Branch     string
	BaseBranch string
	CreatedAt  time.Time
}

// CreateRequest parameterizes Manager.Create.
type CreateRequest struct {
	WorkerName string
	TaskID     string
	BaseBranch string
	// PullBase, when true, best-effort syncs BaseBranch against its remote
	// before branching off it. Failures degrade to the local ref.
	PullBase bool
}

// MergeResult reports the outcome of a merge/rebase attempt.
type MergeResult struct {
	Merged            bool
	Conflict          bool
	ConflictingFiles  []string
	FastForward       bool
}

// CleanupResult reports what Cleanup decided and did for a worktree.
type CleanupResult struct {
	Removed  bool
	Merged   bool
	Reason   string // "no_commits" | "merged" | "merge_conflict"
}
