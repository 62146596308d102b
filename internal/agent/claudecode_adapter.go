package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/appctx"
	"github.com/kandev/ralph/internal/common/constants"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/common/stringutil"
	"github.com/kandev/ralph/internal/process"
	"github.com/kandev/ralph/pkg/claudecode"
)

// maxLoggedFrameLen bounds how much of a malformed or oversized CLI frame is
// logged at Debug level.
const maxLoggedFrameLen = 2000

// ClaudeCodeAdapter drives the Claude Code CLI's stream-json protocol
// (pkg/claudecode types) over a managed subprocess (internal/process).
// The Process Runner owns the child's lifetime and line framing; this
// adapter owns wire-format parsing and canonical event translation.
type ClaudeCodeAdapter struct {
	binary string
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*claudeRuntime
}

// claudeRuntime is the adapter-private state backing one Session.
type claudeRuntime struct {
	handle *process.Handle

	mu            sync.Mutex
	pendingStream string
	streamHash    string
	streamDoneAt  time.Time

	retryCfg    RetryConfig
	retryAttempt int
	lastUserMsg  UserMessage
}

// NewClaudeCodeAdapter builds an adapter that spawns `binary` (default
// "claude") for each session.
func NewClaudeCodeAdapter(binary string, log *logger.Logger) *ClaudeCodeAdapter {
	if binary == "" {
		binary = "claude"
	}
	if log == nil {
		log = logger.Default()
	}
	return &ClaudeCodeAdapter{
		binary:   binary,
		logger:   log.WithFields(zap.String("component", "claudecode-adapter")),
		sessions: make(map[string]*claudeRuntime),
	}
}

func (a *ClaudeCodeAdapter) Info() Info {
	return Info{
		ID:   "claude-code",
		Name: "Claude Code",
		Features: Features{
			Streaming:    true,
			Tools:        true,
			PauseResume:  false,
			SystemPrompt: true,
		},
	}
}

func (a *ClaudeCodeAdapter) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

func (a *ClaudeCodeAdapter) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if !a.IsAvailable(ctx) {
		return nil, ErrNotAvailable
	}

	sess := NewSession(opts.WorkerName, opts.TaskID, "claude-code", opts.WorkspaceID, opts.Cwd, opts.AllowedTools)
	if err := sess.Transition(StatusStarting); err != nil {
		return nil, err
	}

	args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}

	handle, err := process.Start(ctx, a.logger, a.binary, args, opts.Cwd, nil)
	if err != nil {
		_ = sess.Transition(StatusError)
		return nil, err
	}

	rt := &claudeRuntime{handle: handle, retryCfg: opts.RetryConfig.orDefaults()}
	a.mu.Lock()
	a.sessions[sess.ID] = rt
	a.mu.Unlock()

	go a.pumpLines(sess, rt)

	if err := sess.Transition(StatusRunning); err != nil {
		return nil, err
	}
	sess.emit(Event{Type: EventStatus, Status: StatusRunning})

	return sess, nil
}

// pumpLines consumes the process runner's framed stdout/stderr/exit events,
// parsing each stdout line as a CLIMessage and translating it to canonical
// events; lines that fail to parse are surfaced as opaque stderr (spec §7).
func (a *ClaudeCodeAdapter) pumpLines(sess *Session, rt *claudeRuntime) {
	for ev := range rt.handle.Events() {
		switch ev.Kind {
		case process.EventStdoutLine:
			var msg claudecode.CLIMessage
			if err := json.Unmarshal([]byte(ev.Line), &msg); err != nil {
				a.logger.Debug("malformed claude-code frame",
					zap.String("line", stringutil.TruncateStringWithEllipsis(ev.Line, maxLoggedFrameLen)),
					zap.Error(err))
				continue
			}
			a.translate(sess, rt, &msg)
		case process.EventStderrChunk:
			a.logger.Debug("claude-code stderr", zap.String("line", ev.Line))
		case process.EventExit:
			if ev.ExitCode != 0 && sess.Status() != StatusStopped {
				sess.emit(Event{Type: EventError, Message: fmt.Sprintf("process exited with code %d", ev.ExitCode), Fatal: true})
				_ = sess.Transition(StatusError)
			}
			sess.Close()
		}
	}
}

// translate implements the canonical event mapping of spec §4.2.
func (a *ClaudeCodeAdapter) translate(sess *Session, rt *claudeRuntime, msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeAssistant:
		a.translateAssistant(sess, rt, msg)
	case claudecode.MessageTypeStreamEvent:
		a.translateStreamEvent(sess, rt, msg)
	case claudecode.MessageTypeResult:
		a.translateResult(sess, rt, msg)
	}
}

// translateStreamEvent handles the partial-content frames that precede the
// complete "assistant" message emitCompleteMessage later dedups against.
func (a *ClaudeCodeAdapter) translateStreamEvent(sess *Session, rt *claudeRuntime, msg *claudecode.CLIMessage) {
	if msg.Event == nil {
		return
	}
	switch msg.Event.Type {
	case "content_block_delta":
		if msg.Event.Delta != nil && msg.Event.Delta.Text != "" {
			a.emitStreamDelta(sess, rt, msg.Event.Delta.Text)
		} else if msg.Event.ThinkingDelta != "" {
			sess.emit(Event{Type: EventThinking, Content: msg.Event.ThinkingDelta})
		}
	case "content_block_stop":
		a.onStreamStop(rt)
	}
}

func (a *ClaudeCodeAdapter) translateAssistant(sess *Session, rt *claudeRuntime, msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	blocks := msg.Message.GetContentBlocks()
	if blocks == nil {
		if text := msg.Message.GetContentString(); text != "" {
			a.emitCompleteMessage(sess, rt, text)
		}
		return
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			a.emitCompleteMessage(sess, rt, b.Text)
		case "thinking":
			sess.emit(Event{Type: EventThinking, Content: b.Thinking})
		case "tool_use":
			sess.emit(Event{Type: EventToolUse, ToolUseID: b.ID, Tool: b.Name, Input: b.Input})
		case "tool_result":
			sess.emit(Event{Type: EventToolResult, ToolUseID: b.ToolUseID, Output: b.Content, IsError: b.IsError})
		}
	}
}

// emitCompleteMessage applies the streamed-vs-final dedup window: a complete
// message is suppressed if it matches the content hash of a streamed
// sequence that finished within constants.StreamDedupWindow.
func (a *ClaudeCodeAdapter) emitCompleteMessage(sess *Session, rt *claudeRuntime, content string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.streamHash != "" && hashContent(content) == rt.streamHash && time.Since(rt.streamDoneAt) < constants.StreamDedupWindow {
		rt.streamHash = ""
		return
	}

	sess.emit(Event{Type: EventMessage, Content: content, IsPartial: false})
}

// emitStreamDelta records a streaming delta for later dedup comparison and
// emits the corresponding partial message event.
func (a *ClaudeCodeAdapter) emitStreamDelta(sess *Session, rt *claudeRuntime, delta string) {
	rt.mu.Lock()
	rt.pendingStream += delta
	rt.mu.Unlock()
	sess.emit(Event{Type: EventMessage, Content: delta, IsPartial: true})
}

// onStreamStop finalizes the accumulated stream buffer for dedup comparison.
func (a *ClaudeCodeAdapter) onStreamStop(rt *claudeRuntime) {
	rt.mu.Lock()
	rt.streamHash = hashContent(rt.pendingStream)
	rt.streamDoneAt = time.Now()
	rt.pendingStream = ""
	rt.mu.Unlock()
}

func hashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (a *ClaudeCodeAdapter) translateResult(sess *Session, rt *claudeRuntime, msg *claudecode.CLIMessage) {
	if msg.IsError {
		result := msg.GetResultString()
		if a.maybeRetry(sess, rt, result) {
			return
		}
		sess.emit(Event{Type: EventError, Message: result, Fatal: true})
		_ = sess.Transition(StatusError)
		return
	}

	rt.mu.Lock()
	rt.retryAttempt = 0
	rt.mu.Unlock()

	sess.emit(Event{
		Type:    EventResult,
		Content: msg.GetResultString(),
		Usage: &Usage{
			InputTokens:  msg.TotalInputTokens,
			OutputTokens: msg.TotalOutputTokens,
			TotalTokens:  msg.TotalInputTokens + msg.TotalOutputTokens,
		},
	})
}

// maybeRetry classifies a result error per the adapter retry protocol (spec
// §4.2): a retryable error schedules a backoff sleep, emits a non-fatal
// RETRY notification, and resends the last user turn; it reports true if it
// handled the error (the caller must not also treat it as fatal).
func (a *ClaudeCodeAdapter) maybeRetry(sess *Session, rt *claudeRuntime, errMsg string) bool {
	if !isRetryable(errMsg) {
		return false
	}

	rt.mu.Lock()
	cfg := rt.retryCfg
	if rt.retryAttempt >= cfg.MaxRetries {
		rt.mu.Unlock()
		return false
	}
	attempt := rt.retryAttempt
	rt.retryAttempt++
	lastMsg := rt.lastUserMsg
	rt.mu.Unlock()

	delay := backoffDelay(cfg, attempt)
	sess.emit(Event{Type: EventError, Code: RETRYCode, Fatal: false, Message: retryMessage(delay)})

	go func() {
		ctx, cancel := appctx.Detached(context.Background(), sess.Done(), delay)
		defer cancel()
		<-ctx.Done()

		select {
		case <-sess.Done():
			return
		default:
		}

		if err := a.writeUserMessage(rt, lastMsg); err != nil {
			sess.emit(Event{Type: EventError, Message: err.Error(), Fatal: true})
			_ = sess.Transition(StatusError)
		}
	}()
	return true
}

func (a *ClaudeCodeAdapter) Send(ctx context.Context, sess *Session, msg UserMessage) error {
	rt, ok := a.runtime(sess.ID)
	if !ok {
		return ErrNotAvailable
	}
	rt.mu.Lock()
	rt.retryAttempt = 0
	rt.lastUserMsg = msg
	rt.mu.Unlock()
	return a.writeUserMessage(rt, msg)
}

func (a *ClaudeCodeAdapter) writeUserMessage(rt *claudeRuntime, msg UserMessage) error {
	payload := claudecode.UserMessage{
		Type: claudecode.MessageTypeUser,
		Message: claudecode.UserMessageBody{
			Role:    "user",
			Content: msg.Content,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = rt.handle.Write(data)
	return err
}

func (a *ClaudeCodeAdapter) Pause(ctx context.Context, sess *Session) error {
	return &Unsupported{Feature: "pause"}
}

func (a *ClaudeCodeAdapter) Resume(ctx context.Context, sess *Session) error {
	return &Unsupported{Feature: "resume"}
}

func (a *ClaudeCodeAdapter) Stop(ctx context.Context, sess *Session) error {
	rt, ok := a.runtime(sess.ID)
	if !ok {
		return nil
	}
	if err := sess.Transition(StatusStopping); err != nil {
		return err
	}
	rt.handle.Signal(process.SignalTerm)
	go func() {
		time.Sleep(2 * time.Second)
		rt.handle.Signal(process.SignalKill)
	}()
	return nil
}

func (a *ClaudeCodeAdapter) StopAfterCurrent(ctx context.Context, sess *Session) error {
	return sess.Transition(StatusStoppingAfterCurrent)
}

func (a *ClaudeCodeAdapter) runtime(sessionID string) (*claudeRuntime, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, ok := a.sessions[sessionID]
	return rt, ok
}
