package claude

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// CLIRunner drives the claude CLI in streaming JSON mode. Each run is one
// `claude -p` invocation; sessions resume through --resume / --continue.
type CLIRunner struct {
	cfg    RunnerConfig
	binary string
	engine *subprocessEngine
}

// NewCLIRunner resolves the claude binary up front so a misconfigured
// deployment fails at startup, not on the first prompt.
func NewCLIRunner(cfg RunnerConfig, procs *ProcessSupervisor, logger *slog.Logger) (*CLIRunner, error) {
	binary, err := findBinary(cfg.Binary, "claude")
	if err != nil {
		return nil, err
	}
	logger.Info("claude CLI resolved", "binary", binary)
	return &CLIRunner{
		cfg:    cfg,
		binary: binary,
		engine: &subprocessEngine{
			name:    "claude",
			timeout: cfg.Timeout,
			procs:   procs,
			logger:  logger,
		},
	}, nil
}

func (r *CLIRunner) Name() string { return "claude" }

// Execute runs one prompt through the CLI.
func (r *CLIRunner) Execute(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	return r.engine.execute(ctx, req, r.argv(req), sink)
}

// argv builds the CLI invocation. The prompt rides as the final positional
// argument; stream-json keeps stdout line-delimited.
func (r *CLIRunner) argv(req Request) []string {
	args := []string{r.binary, "-p", "--output-format", "stream-json", "--verbose"}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if r.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.cfg.MaxTurns))
	}
	if len(r.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.cfg.AllowedTools, ","))
	}
	if len(r.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(r.cfg.DisallowedTools, ","))
	}
	switch {
	case req.ContinueSession && req.SessionID != "":
		args = append(args, "--resume", req.SessionID)
	case req.ContinueSession:
		args = append(args, "--continue")
	case req.SessionID != "":
		args = append(args, "--resume", req.SessionID)
	}
	return append(args, req.Prompt)
}
