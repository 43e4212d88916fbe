package claude

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

const defaultSDKMaxTokens = 8192

// SDKConfig configures the in-process Anthropic API back-end.
type SDKConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the API endpoint when non-empty.
	BaseURL string

	// Model is the model id; empty uses the API runner default.
	Model string

	// MaxTokens bounds output tokens per turn; zero uses the default.
	MaxTokens int

	// Timeout is the wall-clock bound for one run; zero disables it.
	Timeout time.Duration
}

// SDKRunner drives the Anthropic Messages API directly instead of spawning
// a CLI child. Sessions are conversation histories held in memory, so a
// restart forgets them; the facade's session store still tracks metadata.
// No tools are offered to the model, so this back-end never edits files.
type SDKRunner struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	procs     *ProcessSupervisor
	logger    *slog.Logger

	mu         sync.Mutex
	histories  map[string][]anthropic.MessageParam
	lastByUser map[int64]string
}

func NewSDKRunner(cfg SDKConfig, procs *ProcessSupervisor, logger *slog.Logger) (*SDKRunner, error) {
	if cfg.APIKey == "" {
		return nil, NewError(KindProcess, "anthropic API key is required for the api back-end")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultSDKMaxTokens
	}
	return &SDKRunner{
		client:     anthropic.NewClient(options...),
		model:      model,
		maxTokens:  maxTokens,
		timeout:    cfg.Timeout,
		procs:      procs,
		logger:     logger,
		histories:  map[string][]anthropic.MessageParam{},
		lastByUser: map[int64]string{},
	}, nil
}

func (r *SDKRunner) Name() string { return "anthropic-api" }

// Execute streams one conversational turn. The accumulated text becomes the
// response content; the session history grows by one user/assistant pair.
func (r *SDKRunner) Execute(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	start := time.Now()
	r.procs.beginRun(req.UserID)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	emit := sink
	if emit == nil {
		emit = func(StreamUpdate) error { return nil }
	}

	sessionID, history, err := r.resolveSession(req)
	if err != nil {
		return nil, err
	}

	messages := append(append([]anthropic.MessageParam{}, history...),
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		Messages:  messages,
		MaxTokens: r.maxTokens,
	}

	r.sendUpdate(emit, StreamUpdate{
		Type:      UpdateSystem,
		Subtype:   SubtypeInit,
		Model:     r.model,
		CWD:       req.WorkingDirectory,
		SessionID: sessionID,
	})

	stream := r.client.Messages.NewStreaming(ctx, params)
	var content strings.Builder
	for stream.Next() {
		if r.procs.isCancelled(req.UserID) {
			_ = stream.Close()
			return nil, NewError(KindCancelled, "stream reading cancelled")
		}
		event := stream.Current()
		switch event.Type {
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					r.sendUpdate(emit, StreamUpdate{
						Type:      UpdateAssistant,
						Subtype:   SubtypeDelta,
						Content:   delta.Text,
						SessionID: sessionID,
					})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					r.sendUpdate(emit, StreamUpdate{
						Type:      UpdateThinking,
						Subtype:   SubtypeDelta,
						Content:   delta.Thinking,
						SessionID: sessionID,
					})
				}
			}
		case "message_stop":
			// Final event; usage already accounted by the API.
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewError(KindTimeout, "api run exceeded %s", r.timeout)
		}
		if ctx.Err() == context.Canceled {
			return nil, WrapError(KindCancelled, err, "context cancelled during stream")
		}
		return nil, WrapError(KindProcess, err, "anthropic api stream failed")
	}

	text := content.String()
	r.commitSession(req.UserID, sessionID, messages, text)

	durationMS := time.Since(start).Milliseconds()
	r.sendUpdate(emit, StreamUpdate{
		Type:       UpdateResult,
		Content:    text,
		SessionID:  sessionID,
		DurationMS: durationMS,
		NumTurns:   1,
	})

	// The API bills by token, not by run; cost stays zero and the rate
	// limiter sees only the request itself.
	return &Response{
		Content:    text,
		SessionID:  sessionID,
		DurationMS: durationMS,
		NumTurns:   1,
	}, nil
}

// resolveSession maps the request onto an in-memory history. Unknown
// explicit session ids fail; continue-without-id picks the user's latest.
func (r *SDKRunner) resolveSession(req Request) (string, []anthropic.MessageParam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" && req.ContinueSession {
		sessionID = r.lastByUser[req.UserID]
	}
	if sessionID == "" {
		return uuid.NewString(), nil, nil
	}
	history, ok := r.histories[sessionID]
	if !ok {
		if req.SessionID != "" {
			return "", nil, NewError(KindSessionNotFound, "no conversation found for session %s", sessionID)
		}
		return uuid.NewString(), nil, nil
	}
	return sessionID, history, nil
}

func (r *SDKRunner) commitSession(userID int64, sessionID string, messages []anthropic.MessageParam, assistantText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories[sessionID] = append(messages,
		anthropic.NewAssistantMessage(anthropic.NewTextBlock(assistantText)))
	r.lastByUser[userID] = sessionID
}

// sendUpdate forwards to the sink, logging non-fatal sink failures.
func (r *SDKRunner) sendUpdate(emit StreamSink, update StreamUpdate) {
	if err := emit(update); err != nil && !IsKind(err, KindToolValidation) {
		r.logger.Warn("stream sink failed", "error", err, "update_type", update.Type)
	}
}
