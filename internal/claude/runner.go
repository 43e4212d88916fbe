package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Runner executes one prompt against an agent back-end and streams updates
// to the sink while the run is in flight. Implementations are safe for
// concurrent use; each Execute call is an independent run.
type Runner interface {
	// Name identifies the back-end ("claude", "cursor", "anthropic-api").
	Name() string

	// Execute runs the request to completion. The sink receives every
	// stream update; a sink error of kind ToolValidation aborts the run.
	Execute(ctx context.Context, req Request, sink StreamSink) (*Response, error)
}

// RunnerConfig holds the settings shared by the subprocess back-ends.
type RunnerConfig struct {
	// Binary is an explicit path to the agent executable. Empty means
	// discover it on PATH and in well-known install locations.
	Binary string

	// Model overrides the back-end's default model when non-empty.
	Model string

	// MaxTurns bounds agentic turns per run; zero means back-end default.
	MaxTurns int

	// Timeout is the wall-clock bound for one run; zero disables it.
	Timeout time.Duration

	// AllowedTools and DisallowedTools are forwarded to back-ends that
	// accept tool constraints on the command line.
	AllowedTools    []string
	DisallowedTools []string
}

// findBinary resolves the agent executable. An explicit path must exist;
// otherwise PATH is searched, then the usual npm and user install dirs.
func findBinary(configured, name string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("configured %s binary not executable: %s", name, configured)
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", name),
			filepath.Join(home, ".npm-global", "bin", name),
			filepath.Join(home, "node_modules", ".bin", name),
		)
	}
	candidates = append(candidates,
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	)
	for _, candidate := range candidates {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s executable not found on PATH or in known install locations", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode()&0o111 != 0
}

// maxStderrReport bounds how much captured stderr makes it into error messages.
const maxStderrReport = 1000

// subprocessEngine runs an agent child process and turns its stream-JSON
// stdout into a Response. Both CLI back-ends share it; they differ only in
// the argv they build.
type subprocessEngine struct {
	name    string
	timeout time.Duration
	procs   *ProcessSupervisor
	logger  *slog.Logger
}

// execute launches argv in the request working directory, parses the
// stream until it closes, then consolidates the outcome.
func (e *subprocessEngine) execute(ctx context.Context, req Request, argv []string, sink StreamSink) (*Response, error) {
	start := time.Now()
	spans := NewSpanTracker(ctx)
	parser := newStreamParser(e.logger, spans)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDirectory
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// Own pipe instead of StdoutPipe so Wait can run concurrently with
	// the stream reader; EOF arrives when the child drops its end.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, WrapError(KindProcess, err, "creating stdout pipe")
	}
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, WrapError(KindProcess, err, "starting %s", e.name)
	}
	pw.Close()
	defer pr.Close()

	proc := &trackedProcess{
		id:     uuid.NewString(),
		userID: req.UserID,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	e.procs.register(proc)
	defer e.procs.unregister(proc)

	e.logger.Info("agent process started",
		"backend", e.name,
		"process_id", proc.id,
		"pid", cmd.Process.Pid,
		"user_id", req.UserID,
		"cwd", req.WorkingDirectory)

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(proc.done)
	}()

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	emit := sink
	if emit == nil {
		emit = func(StreamUpdate) error { return nil }
	}
	cancelled := func() bool { return e.procs.isCancelled(req.UserID) }

	parseDone := make(chan error, 1)
	go func() {
		parseDone <- parser.run(runCtx, pr, cancelled, emit)
	}()

	if err := <-parseDone; err != nil {
		e.procs.gracefulCancel(proc)
		parser.closeOrphans()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, "%s run exceeded %s", e.name, e.timeout)
		}
		return nil, err
	}

	// Stream closed: the child either exited or dropped stdout. Reap it.
	<-proc.done
	if orphans := parser.closeOrphans(); orphans > 0 {
		e.logger.Warn("run ended with incomplete tool calls",
			"backend", e.name, "count", orphans)
	}

	return e.consolidate(parser, waitErr, &stderr, time.Since(start).Milliseconds())
}

// consolidate turns the parsed stream plus exit status into one Response
// or one typed error. An error-flagged result message wins over the exit
// code so the agent's own explanation (usage limits included) surfaces.
func (e *subprocessEngine) consolidate(parser *streamParser, waitErr error, stderr *bytes.Buffer, elapsedMS int64) (*Response, error) {
	if result := parser.result; result != nil && result.IsError {
		text := result.resultText()
		if text == "" {
			text = "agent reported an unspecified error"
		}
		return nil, NewError(KindProcess, "%s", text)
	}

	if waitErr != nil {
		detail := truncate(strings.TrimSpace(stderr.String()), maxStderrReport)
		if isSessionNotFound(detail) {
			return nil, NewError(KindSessionNotFound, "%s", detail)
		}
		if detail == "" {
			detail = waitErr.Error()
		}
		return nil, WrapError(KindProcess, waitErr, "agent exited abnormally: %s", detail)
	}

	result := parser.result
	if result == nil {
		return nil, NewError(KindParsing, "stream ended without a result message (parse errors: %d)", parser.parseErrors)
	}

	content := result.resultText()
	if content == "" {
		content = parser.assistantContent()
	}
	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = parser.sessionID
	}
	numTurns := result.NumTurns
	if numTurns == 0 {
		numTurns = parser.numTurns
	}
	durationMS := result.DurationMS
	if durationMS == 0 {
		durationMS = elapsedMS
	}
	return &Response{
		Content:    content,
		SessionID:  sessionID,
		Cost:       result.cost(),
		DurationMS: durationMS,
		NumTurns:   numTurns,
		ToolsUsed:  parser.toolsUsed,
	}, nil
}

// isSessionNotFound matches the CLI's complaint about an unknown --resume id.
func isSessionNotFound(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no conversation found") ||
		strings.Contains(lower, "session not found")
}
