package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/orchestrator"
)

// BeadsStore reads ready work from a beads issue database (read-only) and
// writes claim/close transitions through the `bd` CLI, the same split the
// teacher's beads client uses between its read-only *sql.DB and its
// exec-based mutation helpers.
type BeadsStore struct {
	db            *sql.DB
	workDir       string
	defaultBranch string
	logger        *logger.Logger
}

// resolveBeadsDir follows a worktree's .beads/redirect file to the shared
// database, mirroring the teacher's resolveBeadsDir.
func resolveBeadsDir(projectPath string) string {
	beadsDir := filepath.Join(projectPath, ".beads")
	redirect, err := os.ReadFile(filepath.Join(beadsDir, "redirect"))
	if err != nil {
		return beadsDir
	}
	target := strings.TrimSpace(string(redirect))
	if target == "" {
		return beadsDir
	}
	return filepath.Clean(filepath.Join(beadsDir, target))
}

// NewBeadsStore opens a read-only connection to the beads database rooted
// at repoPath/.beads/beads.db.
func NewBeadsStore(repoPath, defaultBranch string, log *logger.Logger) (*BeadsStore, error) {
	if log == nil {
		log = logger.Default()
	}
	dbPath := filepath.Join(resolveBeadsDir(repoPath), "beads.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return nil, fmt.Errorf("tasks: open beads db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tasks: ping beads db: %w", err)
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &BeadsStore{db: db, workDir: repoPath, defaultBranch: defaultBranch, logger: log.WithFields()}, nil
}

func (s *BeadsStore) Close() error {
	return s.db.Close()
}

const readyPredicate = `
	status = 'open'
	AND NOT EXISTS (
		SELECT 1 FROM dependencies d
		JOIN issues blocker ON blocker.id = d.depends_on_id
		WHERE d.issue_id = issues.id AND blocker.status != 'closed'
	)
`

// ReadyTasksCount implements orchestrator.TaskStore.
func (s *BeadsStore) ReadyTasksCount(ctx context.Context) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues WHERE "+readyPredicate)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("tasks: count ready: %w", err)
	}
	return count, nil
}

// NextReadyTask returns the highest-priority ready issue, or nil if none
// remain. workerName is accepted for symmetry with the TaskStore contract
// but beads has no per-worker reservation concept prior to ClaimTask.
func (s *BeadsStore) NextReadyTask(ctx context.Context, workerName string) (*orchestrator.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id
		FROM issues
		WHERE `+readyPredicate+`
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("tasks: next ready: %w", err)
	}

	return &orchestrator.Task{ID: id, BaseBranch: s.defaultBranch}, nil
}

// ClaimTask transitions an issue to in_progress via the bd CLI.
func (s *BeadsStore) ClaimTask(ctx context.Context, taskID string) error {
	return s.runBeads(ctx, "update", taskID, "--status", string(StatusInProgress), "--json")
}

// CloseTask closes an issue via the bd CLI once its worker's work merges.
func (s *BeadsStore) CloseTask(ctx context.Context, taskID string) error {
	return s.runBeads(ctx, "close", taskID, "--reason", "completed by ralph worker", "--json")
}
