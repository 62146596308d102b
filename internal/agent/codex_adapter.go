package agent

import (
	"context"
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
	"github.com/kandev/ralph/pkg/codex"
)

// CodexAdapter drives the OpenAI Codex app-server JSON-RPC-variant protocol
// (pkg/codex) over a managed subprocess (internal/process).
type CodexAdapter struct {
	binary string
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*codexRuntime
}

type codexRuntime struct {
	handle   *process.Handle
	threadID string
	turnID   string

	mu            sync.Mutex
	pendingStream string
	streamHash    string
	streamDoneAt  time.Time

	retryCfg     RetryConfig
	retryAttempt int
	lastMsg      UserMessage
}

// NewCodexAdapter builds an adapter that spawns `binary` (default
// "codex app-server") for each session.
func NewCodexAdapter(binary string, log *logger.Logger) *CodexAdapter {
	if binary == "" {
		binary = "codex"
	}
	if log == nil {
		log = logger.Default()
	}
	return &CodexAdapter{
		binary:   binary,
		logger:   log.WithFields(zap.String("component", "codex-adapter")),
		sessions: make(map[string]*codexRuntime),
	}
}

func (a *CodexAdapter) Info() Info {
	return Info{
		ID:   "codex",
		Name: "OpenAI Codex",
		Features: Features{
			Streaming:    true,
			Tools:        true,
			PauseResume:  false,
			SystemPrompt: false,
		},
	}
}

func (a *CodexAdapter) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

func (a *CodexAdapter) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if !a.IsAvailable(ctx) {
		return nil, ErrNotAvailable
	}

	sess := NewSession(opts.WorkerName, opts.TaskID, "codex", opts.WorkspaceID, opts.Cwd, opts.AllowedTools)
	if err := sess.Transition(StatusStarting); err != nil {
		return nil, err
	}

	handle, err := process.Start(ctx, a.logger, a.binary, []string{"app-server"}, opts.Cwd, nil)
	if err != nil {
		_ = sess.Transition(StatusError)
		return nil, err
	}

	rt := &codexRuntime{handle: handle, retryCfg: opts.RetryConfig.orDefaults()}
	a.mu.Lock()
	a.sessions[sess.ID] = rt
	a.mu.Unlock()

	go a.pumpLines(sess, rt)

	if err := a.call(rt, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "ralph", Version: "1"},
	}); err != nil {
		_ = sess.Transition(StatusError)
		return nil, err
	}

	if err := a.call(rt, codex.MethodThreadStart, codex.ThreadStartParams{
		Model: opts.Model,
		Cwd:   opts.Cwd,
	}); err != nil {
		_ = sess.Transition(StatusError)
		return nil, err
	}

	if err := sess.Transition(StatusRunning); err != nil {
		return nil, err
	}
	sess.emit(Event{Type: EventStatus, Status: StatusRunning})

	return sess, nil
}

func (a *CodexAdapter) call(rt *codexRuntime, method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req := codex.Request{ID: 1, Method: method, Params: data}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = rt.handle.Write(payload)
	return err
}

// pumpLines parses codex notifications/responses from the process runner's
// framed stdout and translates them into canonical events.
func (a *CodexAdapter) pumpLines(sess *Session, rt *codexRuntime) {
	for ev := range rt.handle.Events() {
		switch ev.Kind {
		case process.EventStdoutLine:
			a.handleLine(sess, rt, ev.Line)
		case process.EventStderrChunk:
			a.logger.Debug("codex stderr", zap.String("line", ev.Line))
		case process.EventExit:
			if ev.ExitCode != 0 && sess.Status() != StatusStopped {
				sess.emit(Event{Type: EventError, Message: fmt.Sprintf("process exited with code %d", ev.ExitCode), Fatal: true})
				_ = sess.Transition(StatusError)
			}
			sess.Close()
		}
	}
}

func (a *CodexAdapter) handleLine(sess *Session, rt *codexRuntime, line string) {
	var note codex.Notification
	if err := json.Unmarshal([]byte(line), &note); err != nil || note.Method == "" {
		a.logger.Debug("malformed codex frame", zap.String("line", stringutil.TruncateStringWithEllipsis(line, maxLoggedFrameLen)))
		return
	}

	switch note.Method {
	case codex.NotifyThreadStarted:
		var p struct {
			Thread *codex.Thread `json:"thread"`
		}
		if json.Unmarshal(note.Params, &p) == nil && p.Thread != nil {
			rt.threadID = p.Thread.ID
		}
	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(note.Params, &p) == nil {
			a.emitStreamDelta(sess, rt, p.Delta)
		}
	case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		var p codex.ReasoningDeltaParams
		if json.Unmarshal(note.Params, &p) == nil {
			sess.emit(Event{Type: EventThinking, Content: p.Delta})
		}
	case codex.NotifyItemCompleted:
		a.handleItemCompleted(sess, rt, note.Params)
	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if json.Unmarshal(note.Params, &p) == nil {
			if p.Success {
				rt.mu.Lock()
				rt.retryAttempt = 0
				rt.mu.Unlock()
				sess.emit(Event{Type: EventResult, Content: ""})
			} else if !a.maybeRetry(sess, rt, p.Error) {
				sess.emit(Event{Type: EventError, Message: p.Error, Fatal: true})
				_ = sess.Transition(StatusError)
			}
		}
	case codex.NotifyError:
		var p codex.ErrorParams
		if json.Unmarshal(note.Params, &p) == nil && !a.maybeRetry(sess, rt, p.Message) {
			sess.emit(Event{Type: EventError, Message: p.Message, Fatal: true})
			_ = sess.Transition(StatusError)
		}
	}
}

// emitStreamDelta records a streaming delta for later dedup comparison and
// emits the corresponding partial message event.
func (a *CodexAdapter) emitStreamDelta(sess *Session, rt *codexRuntime, delta string) {
	rt.mu.Lock()
	rt.pendingStream += delta
	rt.mu.Unlock()
	sess.emit(Event{Type: EventMessage, Content: delta, IsPartial: true})
}

// emitCompleteMessage applies the streamed-vs-final dedup window: a complete
// message is suppressed if it matches the content hash of a streamed
// sequence that finished within constants.StreamDedupWindow (spec §8).
func (a *CodexAdapter) emitCompleteMessage(sess *Session, rt *codexRuntime, content string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.streamHash != "" && hashContent(content) == rt.streamHash && time.Since(rt.streamDoneAt) < constants.StreamDedupWindow {
		rt.streamHash = ""
		return
	}

	sess.emit(Event{Type: EventMessage, Content: content, IsPartial: false})
}

// finalizeStream snapshots the accumulated delta buffer for dedup comparison.
// Unlike Claude Code's CLI, codex has no distinct stream-stop notification,
// so this runs just before the itemCompleted message it dedups against.
func (a *CodexAdapter) finalizeStream(rt *codexRuntime) {
	rt.mu.Lock()
	rt.streamHash = hashContent(rt.pendingStream)
	rt.streamDoneAt = time.Now()
	rt.pendingStream = ""
	rt.mu.Unlock()
}

// maybeRetry classifies a failure message per the adapter retry protocol
// (spec §4.2): a retryable error schedules a backoff sleep, emits a
// non-fatal RETRY notification, and resends the last user turn; it reports
// true if it handled the error (the caller must not also treat it as fatal).
func (a *CodexAdapter) maybeRetry(sess *Session, rt *codexRuntime, errMsg string) bool {
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
	lastMsg := rt.lastMsg
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

		if err := a.sendTurn(rt, lastMsg); err != nil {
			sess.emit(Event{Type: EventError, Message: err.Error(), Fatal: true})
			_ = sess.Transition(StatusError)
		}
	}()
	return true
}

func (a *CodexAdapter) handleItemCompleted(sess *Session, rt *codexRuntime, params json.RawMessage) {
	var p codex.ItemCompletedParams
	if json.Unmarshal(params, &p) != nil || p.Item == nil {
		return
	}
	item := p.Item
	switch item.Type {
	case "agentMessage":
		a.finalizeStream(rt)
		text := concatContentParts(item.Content)
		if text != "" {
			a.emitCompleteMessage(sess, rt, text)
		}
	case "commandExecution":
		sess.emit(Event{Type: EventToolUse, ToolUseID: item.ID, Tool: "exec", Input: map[string]any{"command": item.Command}})
		sess.emit(Event{Type: EventToolResult, ToolUseID: item.ID, Output: item.AggregatedOutput, IsError: item.ExitCode != nil && *item.ExitCode != 0})
	case "fileChange":
		sess.emit(Event{Type: EventToolUse, ToolUseID: item.ID, Tool: "file_change", Input: map[string]any{"changes": item.Changes}})
	}
}

func concatContentParts(parts []codex.ContentPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

func (a *CodexAdapter) Send(ctx context.Context, sess *Session, msg UserMessage) error {
	rt, ok := a.runtime(sess.ID)
	if !ok {
		return ErrNotAvailable
	}
	rt.mu.Lock()
	rt.retryAttempt = 0
	rt.lastMsg = msg
	rt.mu.Unlock()
	return a.sendTurn(rt, msg)
}

func (a *CodexAdapter) sendTurn(rt *codexRuntime, msg UserMessage) error {
	return a.call(rt, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: rt.threadID,
		Input:    []codex.UserInput{{Type: "text", Text: msg.Content}},
	})
}

func (a *CodexAdapter) Pause(ctx context.Context, sess *Session) error {
	return &Unsupported{Feature: "pause"}
}

func (a *CodexAdapter) Resume(ctx context.Context, sess *Session) error {
	return &Unsupported{Feature: "resume"}
}

func (a *CodexAdapter) Stop(ctx context.Context, sess *Session) error {
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

func (a *CodexAdapter) StopAfterCurrent(ctx context.Context, sess *Session) error {
	return sess.Transition(StatusStoppingAfterCurrent)
}

func (a *CodexAdapter) runtime(sessionID string) (*codexRuntime, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, ok := a.sessions[sessionID]
	return rt, ok
}
