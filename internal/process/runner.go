// Package process owns a child process's lifetime and I/O streams: spawn,
// line-buffer stdout/stderr, deliver signals, and reap on exit. It performs
// no parsing of the lines it frames — that is the agent adapter's job.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// ErrNotWritable is returned by Write once the child's stdin has closed.
var ErrNotWritable = errors.New("process: stdin is not writable")

// ErrSpawn wraps a failure to start the child process (missing binary,
// invalid cwd, or a stdio pipe that could not be created).
var ErrSpawn = errors.New("process: spawn failed")

// SignalKind selects which termination signal Signal delivers.
type SignalKind int

const (
	SignalTerm SignalKind = iota
	SignalKill
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventStdoutLine EventKind = iota
	EventStderrChunk
	EventExit
)

// Event is one frame out of a Handle's Events channel. Exactly one of Line
// or the exit fields is populated, selected by Kind.
type Event struct {
	Kind       EventKind
	Line       string
	ExitCode   int
	ExitSignal string
}

// Handle owns one running (or exited) child process.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event

	mu        sync.Mutex
	stdinOpen bool
	exited    bool

	logger *logger.Logger
}

// Start spawns command with args in cwd with the given environment overlay,
// returning immediately once stdio pipes are wired and the process has
// started. Callers must drain Events to completion to avoid leaking the
// reader goroutines.
func Start(ctx context.Context, log *logger.Logger, command string, args []string, cwd string, env []string) (*Handle, error) {
	if log == nil {
		log = logger.Default()
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan Event, 64),
		stdinOpen: true,
		logger:    log.WithFields(zap.String("component", "process-runner"), zap.String("command", command)),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.pump(&wg, stdout, EventStdoutLine)
	go h.pump(&wg, stderr, EventStderrChunk)

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.stdinOpen = false
		h.mu.Unlock()

		exitCode, exitSignal := exitInfo(waitErr)
		h.events <- Event{Kind: EventExit, ExitCode: exitCode, ExitSignal: exitSignal}
		close(h.events)
	}()

	return h, nil
}

// pump frames one stream on '\n', preserving a partial trailing buffer
// across reads so framing never splits inside a line.
func (h *Handle) pump(wg *sync.WaitGroup, r io.Reader, kind EventKind) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.events <- Event{Kind: kind, Line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("stream read error, terminating child", zap.Error(err))
		h.Signal(SignalTerm)
		go func() {
			time.Sleep(2 * time.Second)
			h.Signal(SignalKill)
		}()
	}
}

func exitInfo(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ProcessState != nil {
			if exitErr.ProcessState.Exited() {
				return exitErr.ProcessState.ExitCode(), ""
			}
		}
		return -1, exitErr.Error()
	}
	return -1, err.Error()
}

// Write appends bytes to the child's stdin.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	open := h.stdinOpen
	h.mu.Unlock()
	if !open {
		return 0, ErrNotWritable
	}
	n, err := h.stdin.Write(p)
	if err != nil {
		h.mu.Lock()
		h.stdinOpen = false
		h.mu.Unlock()
		return n, ErrNotWritable
	}
	return n, nil
}

// Signal delivers a termination signal to the child. Idempotent: signalling
// an already-exited process is a no-op.
func (h *Handle) Signal(kind SignalKind) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited || h.cmd.Process == nil {
		return
	}

	switch kind {
	case SignalTerm:
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	case SignalKill:
		_ = h.cmd.Process.Kill()
	}
}

// Events returns the finite event channel for this handle. It is closed
// exactly once, immediately after the single EventExit is delivered.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// CloseStdin closes the child's stdin without signalling the process,
// allowing agents that read stdin-to-EOF to notice end of input.
func (h *Handle) CloseStdin() error {
	h.mu.Lock()
	h.stdinOpen = false
	h.mu.Unlock()
	return h.stdin.Close()
}
