package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/devgram/devgram/internal/claude"
	"github.com/devgram/devgram/internal/commands"
	"github.com/devgram/devgram/internal/config"
	"github.com/devgram/devgram/internal/observability"
	"github.com/devgram/devgram/internal/ratelimit"
	"github.com/devgram/devgram/internal/sessions"
	"github.com/devgram/devgram/internal/storage"
)

// Telegram rejects messages over 4096 characters; leave headroom for the
// split marker.
const messageLimit = 3800

// Responses longer than this go out as a document instead of a message
// cascade.
const documentThreshold = 3 * messageLimit

// Options collects the bot's collaborators. Store, Limiter, and Metrics
// are optional.
type Options struct {
	Config   *config.Config
	Facade   *claude.Facade
	Sessions *sessions.Manager
	Store    *storage.Store
	Limiter  *ratelimit.Limiter
	Commands *commands.Registry
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Bot routes Telegram updates: free text becomes agent prompts, slash
// commands manage sessions and projects, inline buttons run project
// commands. One run per user; a new prompt preempts the previous one.
type Bot struct {
	client   Client
	tg       *bot.Bot
	cfg      *config.Config
	facade   *claude.Facade
	sessions *sessions.Manager
	store    *storage.Store
	limiter  *ratelimit.Limiter
	commands *commands.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	workDirs map[int64]string
}

func New(opts Options) (*Bot, error) {
	b := &Bot{
		cfg:      opts.Config,
		facade:   opts.Facade,
		sessions: opts.Sessions,
		store:    opts.Store,
		limiter:  opts.Limiter,
		commands: opts.Commands,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		workDirs: map[int64]string{},
	}

	tg, err := bot.New(opts.Config.Telegram.BotToken,
		bot.WithDefaultHandler(b.route),
		bot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b.tg = tg
	b.client = tg
	return b, nil
}

// Run starts long polling and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started")
	b.tg.Start(ctx)
	b.logger.Info("telegram bot stopped")
}

func (b *Bot) route(ctx context.Context, _ *bot.Bot, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !b.cfg.UserAllowed(userID) {
		b.logger.Warn("rejected message from unlisted user", "user_id", userID)
		b.reply(ctx, chatID, "⛔ You are not authorized to use this bot.")
		return
	}

	b.countMessage("inbound")
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, userID, text)
		return
	}

	go b.runPrompt(ctx, chatID, userID, text, "", TextInterval, false)
}

func (b *Bot) handleCommand(ctx context.Context, chatID, userID int64, text string) {
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	args := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	if b.store != nil {
		b.store.RecordCommand(ctx, userID, name)
	}

	switch name {
	case "start", "help":
		b.reply(ctx, chatID, helpText)

	case "new":
		for _, session := range b.sessions.ListUserSessions(userID) {
			b.sessions.Invalidate(session.SessionID)
		}
		b.reply(ctx, chatID, "🆕 Session cleared. The next prompt starts fresh.")

	case "continue":
		prompt := args
		if prompt == "" {
			prompt = "Continue where we left off."
		}
		go b.runPrompt(ctx, chatID, userID, prompt, "", TextInterval, true)

	case "stop":
		if b.facade.Cancel(userID) {
			b.reply(ctx, chatID, "🛑 Stopping the current task.")
		} else {
			b.reply(ctx, chatID, "Nothing is running.")
		}

	case "status":
		b.reply(ctx, chatID, b.statusText(userID))

	case "sessions":
		b.reply(ctx, chatID, b.sessionsText(userID))

	case "projects":
		b.sendProjects(ctx, chatID)

	case "commands":
		b.sendProjectCommands(ctx, chatID, userID)

	default:
		b.reply(ctx, chatID, fmt.Sprintf("Unknown command /%s. Try /help.", name))
	}
}

const helpText = `🤖 Code assistant bot

Send any text to run it as a prompt in your working directory.

/new — start a fresh session
/continue [prompt] — resume the most recent session
/stop — cancel the running task
/status — session, usage, and working directory
/sessions — list your sessions
/projects — switch working directory
/commands — project quick actions
/help — this message`

// runPrompt executes one prompt end to end: rate-limit gate, placeholder
// message, streamed progress, final response. Runs in its own goroutine so
// a newer message can preempt it through the facade.
func (b *Bot) runPrompt(ctx context.Context, chatID, userID int64, prompt, heading string, interval time.Duration, continueSession bool) {
	if b.limiter != nil {
		if ok, reason := b.limiter.Allow(userID); !ok {
			b.reply(ctx, chatID, "⏱️ "+reason)
			return
		}
	}

	b.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})

	placeholder, err := b.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   "🤔 Processing your request...",
	})
	if err != nil {
		b.logger.Error("send progress placeholder", "chat_id", chatID, "error", err)
		return
	}

	renderer := NewRenderer(b.client, b.logger, chatID, placeholder.ID, heading, interval)

	resp, err := b.facade.Execute(ctx, claude.Request{
		Prompt:           prompt,
		WorkingDirectory: b.workDir(userID),
		UserID:           userID,
		ContinueSession:  continueSession,
	}, renderer.Sink(ctx))

	renderer.Finish(ctx)

	if claude.IsKind(err, claude.KindCancelled) {
		// Preempted by a newer prompt; its progress replaces ours.
		return
	}

	if b.limiter != nil && resp != nil {
		b.limiter.Debit(userID, resp.Cost)
	}

	if resp == nil {
		b.reply(ctx, chatID, "❌ Something went wrong. Please try again.")
		return
	}
	b.sendResponse(ctx, chatID, resp)
}

// sendResponse delivers the final content, splitting long text and
// falling back to a document upload for very large responses.
func (b *Bot) sendResponse(ctx context.Context, chatID int64, resp *claude.Response) {
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		content = "(no output)"
	}

	if len(content) > documentThreshold {
		_, err := b.client.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: chatID,
			Document: &models.InputFileUpload{
				Filename: "response.md",
				Data:     strings.NewReader(content),
			},
			Caption: "Response too long for chat; attached as a file.",
		})
		if err != nil {
			b.logger.Error("send response document", "chat_id", chatID, "error", err)
			b.reply(ctx, chatID, "❌ Failed to deliver the response.")
			return
		}
		b.countMessage("outbound")
		return
	}

	for _, part := range splitMessage(content, messageLimit) {
		b.reply(ctx, chatID, part)
	}
}

func (b *Bot) statusText(userID int64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📂 Working directory: %s\n", b.workDir(userID))

	if b.facade.Busy(userID) {
		sb.WriteString("⚙️ A task is currently running.\n")
	}

	if session := b.sessions.MostRecent(userID, b.workDir(userID)); session != nil {
		fmt.Fprintf(&sb, "💬 Session %s — %d turns, $%.4f\n",
			shortID(session.SessionID), session.TotalTurns, session.TotalCost)
	} else {
		sb.WriteString("💬 No active session.\n")
	}

	if b.limiter != nil {
		status := b.limiter.Status(userID)
		fmt.Fprintf(&sb, "⏱️ Requests remaining: %.0f", status.TokensRemaining)
		if status.BudgetUSD > 0 {
			fmt.Fprintf(&sb, " · spent $%.2f of $%.2f", status.SpentUSD, status.BudgetUSD)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) sessionsText(userID int64) string {
	list := b.sessions.ListUserSessions(userID)
	if len(list) == 0 {
		return "No sessions yet. Send a prompt to start one."
	}

	var sb strings.Builder
	sb.WriteString("💬 Your sessions:\n")
	for _, session := range list {
		fmt.Fprintf(&sb, "• %s — %s, %d turns, $%.4f (last used %s)\n",
			shortID(session.SessionID),
			filepath.Base(session.ProjectPath),
			session.TotalTurns,
			session.TotalCost,
			session.LastUsed.Format("Jan 2 15:04"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// sendProjects lists subdirectories of the approved root as a button grid.
func (b *Bot) sendProjects(ctx context.Context, chatID int64) {
	root := b.cfg.Security.ApprovedDirectory
	entries, err := os.ReadDir(root)
	if err != nil {
		b.logger.Error("list projects", "root", root, "error", err)
		b.reply(ctx, chatID, "❌ Could not list projects.")
		return
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		b.reply(ctx, chatID, "No projects under "+root)
		return
	}

	keyboard := DirectoriesKeyboard(names, 2)
	if _, err := b.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        "📂 Choose a project:",
		ReplyMarkup: keyboard,
	}); err != nil {
		b.logger.Error("send projects keyboard", "chat_id", chatID, "error", err)
	}
	b.countMessage("outbound")
}

// sendProjectCommands surfaces .claude/commands/*.md files as quick-action
// buttons for the user's working directory.
func (b *Bot) sendProjectCommands(ctx context.Context, chatID int64, userID int64) {
	dir := b.workDir(userID)
	cmds, err := b.commands.Commands(dir)
	if err != nil {
		b.logger.Error("discover project commands", "dir", dir, "error", err)
		b.reply(ctx, chatID, "❌ Could not read project commands.")
		return
	}
	if len(cmds) == 0 {
		b.reply(ctx, chatID, "No commands found under "+filepath.Join(dir, ".claude", "commands"))
		return
	}

	keyboard := CommandsKeyboard(cmds, 2)
	if _, err := b.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        "⚡ Project commands:",
		ReplyMarkup: keyboard,
	}); err != nil {
		b.logger.Error("send commands keyboard", "chat_id", chatID, "error", err)
	}
	b.countMessage("outbound")
}

func (b *Bot) handleCallback(ctx context.Context, cq *models.CallbackQuery) {
	b.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cq.ID,
	})

	userID := cq.From.ID
	if !b.cfg.UserAllowed(userID) {
		return
	}
	if cq.Message.Message == nil {
		return
	}
	chatID := cq.Message.Message.Chat.ID

	action, param, err := ParseCallbackData(cq.Data)
	if err != nil {
		b.logger.Warn("malformed callback data", "data", cq.Data, "user_id", userID)
		return
	}

	switch action {
	case ActionProjectCommand:
		b.runProjectCommand(ctx, chatID, userID, param)
	case ActionChangeDirectory:
		b.changeDirectory(ctx, chatID, userID, param)
	default:
		b.logger.Warn("unknown callback action", "action", action, "user_id", userID)
	}
}

// runProjectCommand reads the command's markdown body and runs it as the
// agent prompt, with the faster command-mode edit throttle.
func (b *Bot) runProjectCommand(ctx context.Context, chatID, userID int64, name string) {
	dir := b.workDir(userID)
	cmd, ok := b.commands.Lookup(dir, name)
	if !ok {
		b.reply(ctx, chatID, fmt.Sprintf("Command %q not found in %s.", name, dir))
		return
	}

	body, err := cmd.Content()
	if err != nil {
		b.logger.Error("read project command", "command", name, "error", err)
		b.reply(ctx, chatID, "❌ Could not read command "+name+".")
		return
	}

	if b.store != nil {
		b.store.RecordCommand(ctx, userID, "pcmd:"+name)
	}

	heading := fmt.Sprintf("⚡ %s · %s", cmd.Description, filepath.Base(dir))
	go b.runPrompt(ctx, chatID, userID, body, heading, CommandInterval, false)
}

// changeDirectory switches the user's working directory to a project under
// the approved root. The name must be a plain directory name.
func (b *Bot) changeDirectory(ctx context.Context, chatID, userID int64, name string) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		b.reply(ctx, chatID, "❌ Invalid project name.")
		return
	}

	dir := filepath.Join(b.cfg.Security.ApprovedDirectory, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		b.reply(ctx, chatID, "❌ Project not found: "+name)
		return
	}

	b.mu.Lock()
	b.workDirs[userID] = dir
	b.mu.Unlock()

	b.reply(ctx, chatID, "📂 Working directory: "+dir)
}

func (b *Bot) workDir(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir, ok := b.workDirs[userID]; ok {
		return dir
	}
	return b.cfg.Security.ApprovedDirectory
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		b.logger.Error("send message", "chat_id", chatID, "error", err)
		return
	}
	b.countMessage("outbound")
}

func (b *Bot) countMessage(direction string) {
	if b.metrics != nil {
		b.metrics.MessageCounter.WithLabelValues(direction).Inc()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// splitMessage breaks text into chat-sized chunks, preferring newline
// boundaries.
func splitMessage(text string, limit int) []string {
	var parts []string
	remaining := text
	for len(remaining) > limit {
		idx := strings.LastIndex(remaining[:limit], "\n")
		if idx < limit/2 {
			idx = limit
		}
		parts = append(parts, strings.TrimRight(remaining[:idx], "\n"))
		remaining = strings.TrimLeft(remaining[idx:], "\n")
	}
	if strings.TrimSpace(remaining) != "" {
		parts = append(parts, remaining)
	}
	return parts
}
