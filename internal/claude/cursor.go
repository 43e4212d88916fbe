package claude

import (
	"context"
	"log/slog"
)

// CursorRunner drives the cursor-agent CLI. Same stream-JSON wire as the
// claude CLI, different flag spelling; the engine hides the rest.
type CursorRunner struct {
	cfg    RunnerConfig
	binary string
	engine *subprocessEngine
}

func NewCursorRunner(cfg RunnerConfig, procs *ProcessSupervisor, logger *slog.Logger) (*CursorRunner, error) {
	binary, err := findBinary(cfg.Binary, "cursor-agent")
	if err != nil {
		return nil, err
	}
	logger.Info("cursor-agent CLI resolved", "binary", binary)
	return &CursorRunner{
		cfg:    cfg,
		binary: binary,
		engine: &subprocessEngine{
			name:    "cursor",
			timeout: cfg.Timeout,
			procs:   procs,
			logger:  logger,
		},
	}, nil
}

func (r *CursorRunner) Name() string { return "cursor" }

func (r *CursorRunner) Execute(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	return r.engine.execute(ctx, req, r.argv(req), sink)
}

// argv builds the cursor-agent invocation. -f forces non-interactive mode;
// the workspace flag pins the agent to the approved directory.
func (r *CursorRunner) argv(req Request) []string {
	args := []string{r.binary, "-f", "--print", "--output-format", "stream-json",
		"--workspace", req.WorkingDirectory}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return append(args, req.Prompt)
}
