package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devgram/devgram/internal/security"
	"github.com/devgram/devgram/internal/sessions"
)

// InteractionRecorder persists completed runs. Implementations must return
// quickly; persistence failures are logged, never surfaced to the user.
type InteractionRecorder interface {
	SaveInteraction(ctx context.Context, userID int64, prompt string, resp *Response)
}

// MetricsRecorder receives execution counters. Satisfied by the
// observability package; nil disables recording.
type MetricsRecorder interface {
	RecordRun(backend string, errKind string, duration time.Duration)
	RecordToolDenial(tool string)
}

// Facade is the single entry point for running prompts. It validates the
// working directory, resolves the session, enforces one run per user by
// preempting the previous one, vetoes tool calls mid-stream, and folds the
// outcome back into the session store.
type Facade struct {
	runner    Runner
	sessions  *sessions.Manager
	validator *security.Validator
	monitor   *ToolMonitor
	procs     *ProcessSupervisor
	recorder  InteractionRecorder
	metrics   MetricsRecorder
	logger    *slog.Logger

	mu     sync.Mutex
	active map[int64]*runSlot
}

// runSlot identifies one in-flight run; compared by pointer so a preempted
// run cannot clear its successor's slot.
type runSlot struct {
	cancel context.CancelFunc
}

// FacadeOptions collects the facade's collaborators. Recorder and Metrics
// are optional.
type FacadeOptions struct {
	Runner    Runner
	Sessions  *sessions.Manager
	Validator *security.Validator
	Monitor   *ToolMonitor
	Procs     *ProcessSupervisor
	Recorder  InteractionRecorder
	Metrics   MetricsRecorder
	Logger    *slog.Logger
}

func NewFacade(opts FacadeOptions) *Facade {
	return &Facade{
		runner:    opts.Runner,
		sessions:  opts.Sessions,
		validator: opts.Validator,
		monitor:   opts.Monitor,
		procs:     opts.Procs,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		active:    map[int64]*runSlot{},
	}
}

// Execute runs one prompt end to end. The returned Response is never nil:
// failures come back as an error Response plus the typed error, so callers
// can render the user-facing text without re-classifying.
func (f *Facade) Execute(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	start := time.Now()

	workingDir, err := f.resolveWorkingDir(req.WorkingDirectory)
	if err != nil {
		return f.fail(req, err, start)
	}
	req.WorkingDirectory = workingDir

	session := f.sessions.GetOrCreate(req.UserID, workingDir)
	if req.ContinueSession && req.SessionID == "" {
		if recent := f.sessions.MostRecent(req.UserID, workingDir); recent != nil {
			req.SessionID = recent.SessionID
		}
	}
	if req.SessionID == "" && !session.Temporary() {
		req.SessionID = session.SessionID
	}

	runCtx, slot := f.takeSlot(ctx, req.UserID)
	defer f.releaseSlot(req.UserID, slot)

	denials := &denialLog{}
	guard := f.guardSink(req, sink, denials)

	resp, err := f.runner.Execute(runCtx, req, guard)
	if IsKind(err, KindSessionNotFound) && req.SessionID != "" {
		f.logger.Info("session rejected by agent, starting fresh",
			"session_id", req.SessionID, "user_id", req.UserID)
		f.sessions.Invalidate(req.SessionID)
		retry := req
		retry.SessionID = ""
		retry.ContinueSession = false
		resp, err = f.runner.Execute(runCtx, retry, guard)
	}
	if err != nil {
		return f.fail(req, err, start)
	}

	// A run that finished despite denied non-critical tools still failed
	// from the user's point of view: flag the response and say what was
	// blocked instead of presenting partial output as a clean result.
	if blocked := denials.tools(); len(blocked) > 0 {
		f.logger.Warn("run completed with denied tool calls",
			"user_id", req.UserID, "tools", blocked)
		resp.IsError = true
		resp.ErrorKind = KindToolValidation
		resp.Content = fmt.Sprintf(
			"Some operations were blocked by security policy (%s).\n\n%s",
			strings.Join(blocked, ", "), resp.Content)
	}

	if resp.SessionID != "" {
		f.sessions.Confirm(session.SessionID, resp.SessionID, req.UserID, req.WorkingDirectory,
			resp.Cost, resp.NumTurns, toolNames(resp.ToolsUsed))
	}
	if f.recorder != nil {
		f.recorder.SaveInteraction(ctx, req.UserID, req.Prompt, resp)
	}
	if f.metrics != nil {
		f.metrics.RecordRun(f.runner.Name(), string(resp.ErrorKind), time.Since(start))
	}
	f.logger.Info("agent run completed",
		"user_id", req.UserID,
		"session_id", resp.SessionID,
		"cost_usd", resp.Cost,
		"turns", resp.NumTurns,
		"duration_ms", resp.DurationMS)
	return resp, nil
}

// Cancel aborts the user's in-flight run, if any. Returns true when there
// was something to cancel.
func (f *Facade) Cancel(userID int64) bool {
	f.mu.Lock()
	slot := f.active[userID]
	f.mu.Unlock()

	f.procs.CancelUser(userID)
	if slot != nil {
		slot.cancel()
		return true
	}
	return false
}

// Busy reports whether the user has a run in flight.
func (f *Facade) Busy(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[userID] != nil
}

// resolveWorkingDir validates the directory against the approved root,
// defaulting to the root itself when empty.
func (f *Facade) resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		return f.validator.ApprovedRoot(), nil
	}
	resolved, err := f.validator.ValidatePath(dir, "")
	if err != nil {
		return "", WrapError(KindPolicyViolation, err, "working directory rejected")
	}
	return resolved, nil
}

// takeSlot preempts the user's previous run and registers the new one.
// One run per user: a new prompt always wins.
func (f *Facade) takeSlot(ctx context.Context, userID int64) (context.Context, *runSlot) {
	f.mu.Lock()
	prev := f.active[userID]
	f.mu.Unlock()

	if prev != nil {
		f.logger.Info("preempting previous run", "user_id", userID)
		f.procs.CancelUser(userID)
		prev.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	slot := &runSlot{cancel: cancel}
	f.mu.Lock()
	f.active[userID] = slot
	f.mu.Unlock()
	return runCtx, slot
}

func (f *Facade) releaseSlot(userID int64, slot *runSlot) {
	f.mu.Lock()
	// A preempting run may already have replaced the slot; only clear our own.
	if f.active[userID] == slot {
		delete(f.active, userID)
	}
	f.mu.Unlock()
	slot.cancel()
}

// denialLog accumulates the non-critical tool denials of one run so the
// final response can report them.
type denialLog struct {
	mu    sync.Mutex
	names []string
}

func (d *denialLog) add(tool string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, seen := range d.names {
		if seen == tool {
			return
		}
	}
	d.names = append(d.names, tool)
}

func (d *denialLog) tools() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.names...)
}

// guardSink wraps the caller's sink with tool validation. Denied critical
// tools abort the run with a ToolValidation error; other denials go into
// the denial log and the run continues.
func (f *Facade) guardSink(req Request, sink StreamSink, denials *denialLog) StreamSink {
	return func(update StreamUpdate) error {
		switch update.Type {
		case UpdateToolCall:
			if err := f.vetToolCall(req, update.ToolName, update.ToolArgs, denials); err != nil {
				return err
			}
		case UpdateAssistant:
			for _, call := range update.ToolCalls {
				if err := f.vetToolCall(req, call.Name, call.Input, denials); err != nil {
					return err
				}
			}
		}
		if sink == nil {
			return nil
		}
		return sink(update)
	}
}

func (f *Facade) vetToolCall(req Request, toolName string, input map[string]any, denials *denialLog) error {
	if f.monitor == nil || toolName == "" {
		return nil
	}
	ok, reason := f.monitor.Validate(toolName, input, req.WorkingDirectory, req.UserID)
	if ok {
		return nil
	}
	if f.metrics != nil {
		f.metrics.RecordToolDenial(toolName)
	}
	if IsCriticalTool(toolName) {
		return NewToolValidationError([]string{toolName}, reason)
	}
	denials.add(toolName)
	f.logger.Warn("non-critical tool denied, run continues",
		"tool", toolName, "user_id", req.UserID, "reason", reason)
	return nil
}

// fail translates a typed error into an error Response so every request
// produces exactly one Response.
func (f *Facade) fail(req Request, err error, start time.Time) (*Response, error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindProcess
	}
	if f.metrics != nil {
		f.metrics.RecordRun(f.runner.Name(), string(kind), time.Since(start))
	}
	f.logger.Error("agent run failed",
		"user_id", req.UserID, "kind", kind, "error", err)
	return &Response{
		Content:    UserFacingMessage(err),
		SessionID:  req.SessionID,
		DurationMS: time.Since(start).Milliseconds(),
		IsError:    true,
		ErrorKind:  kind,
	}, err
}

// usageLimitMarker is how the agent reports hitting the plan's usage cap:
// the marker text, a pipe, and the unix time the window resets.
const usageLimitMarker = "usage limit reached"

// UserFacingMessage renders err for chat display, one phrasing per error
// kind. Usage-limit process errors get the reset time spelled out.
func UserFacingMessage(err error) string {
	var agentErr *Error
	if !errors.As(err, &agentErr) {
		return fmt.Sprintf("Unexpected error: %v", err)
	}
	switch agentErr.Kind {
	case KindPolicyViolation:
		return fmt.Sprintf("Request rejected by security policy: %s", agentErr.Message)
	case KindToolValidation:
		return fmt.Sprintf("Stopped: the agent tried a blocked operation (%s).",
			strings.Join(agentErr.BlockedTools, ", "))
	case KindTimeout:
		return "The agent took too long and was stopped. Try a smaller request."
	case KindSessionNotFound:
		return "That session no longer exists. Starting fresh on your next message."
	case KindCancelled:
		return "Stopped."
	case KindParsing:
		return "The agent's output could not be understood. Please try again."
	default:
		if reset, ok := parseUsageLimit(agentErr.Message); ok {
			return fmt.Sprintf("Usage limit reached. Resets at %s.",
				reset.Local().Format("15:04 MST"))
		}
		return fmt.Sprintf("Agent error: %s", agentErr.Message)
	}
}

// parseUsageLimit extracts the reset time from "...usage limit reached|<unix>".
func parseUsageLimit(message string) (time.Time, bool) {
	lower := strings.ToLower(message)
	idx := strings.Index(lower, usageLimitMarker)
	if idx < 0 {
		return time.Time{}, false
	}
	rest := message[idx+len(usageLimitMarker):]
	if !strings.HasPrefix(rest, "|") {
		return time.Time{}, false
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(rest[1:]), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(epoch, 0), true
}

func toolNames(tools []ToolUse) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}
