package tasks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/stringutil"
)

// maxErrStderrLen bounds how much of `bd`'s stderr is folded into a
// returned error, so one runaway command can't balloon a task-store error
// message (e.g. in a CLI exit path that prints it directly).
const maxErrStderrLen = 500

// runBeads shells out to the `bd` CLI for every state-mutating operation,
// the same split the teacher's beads executor uses between read-only SQL
// queries and exec-based writes.
func (s *BeadsStore) runBeads(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "bd", args...)
	cmd.Dir = s.workDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			s.logger.Error("bd command failed", zap.String("args", strings.Join(args, " ")), zap.String("stderr", stderr.String()))
			return fmt.Errorf("tasks: bd %s: %s", args[0], stringutil.TruncateStringWithEllipsis(strings.TrimSpace(stderr.String()), maxErrStderrLen))
		}
		return fmt.Errorf("tasks: bd %s: %w", args[0], err)
	}
	return nil
}
