// Package storage persists completed agent interactions and command usage
// to SQLite. Persistence is best-effort: a write failure is logged and the
// chat flow carries on.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/devgram/devgram/internal/claude"
)

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Interaction is one persisted agent run.
type Interaction struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	SessionID  string    `json:"session_id"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMS int64     `json:"duration_ms"`
	NumTurns   int       `json:"num_turns"`
	IsError    bool      `json:"is_error"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ToolsUsed  []string  `json:"tools_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" is accepted for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc's driver is not safe for concurrent writes on one connection
	// pool beyond SQLite's own locking; a single connection avoids
	// SQLITE_BUSY churn at chat-bot write rates.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			session_id TEXT,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			is_error INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT,
			tools_used TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			command TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_user ON commands(user_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveInteraction records one completed run. Implements
// claude.InteractionRecorder; failures are logged, not returned.
func (s *Store) SaveInteraction(ctx context.Context, userID int64, prompt string, resp *claude.Response) {
	tools, _ := json.Marshal(toolNames(resp.ToolsUsed))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions
			(user_id, prompt, response, session_id, cost_usd, duration_ms, num_turns, is_error, error_kind, tools_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, prompt, resp.Content, resp.SessionID, resp.Cost, resp.DurationMS,
		resp.NumTurns, resp.IsError, string(resp.ErrorKind), string(tools))
	if err != nil {
		s.logger.Warn("failed to save interaction", "user_id", userID, "error", err)
	}
}

// RecordCommand counts one bot command invocation.
func (s *Store) RecordCommand(ctx context.Context, userID int64, command string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (user_id, command) VALUES (?, ?)`, userID, command)
	if err != nil {
		s.logger.Warn("failed to record command", "command", command, "error", err)
	}
}

// RecentInteractions returns the user's latest runs, newest first.
func (s *Store) RecentInteractions(ctx context.Context, userID int64, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, prompt, response, session_id, cost_usd, duration_ms,
		       num_turns, is_error, COALESCE(error_kind, ''), COALESCE(tools_used, '[]'), created_at
		FROM interactions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var item Interaction
		var tools string
		if err := rows.Scan(&item.ID, &item.UserID, &item.Prompt, &item.Response,
			&item.SessionID, &item.CostUSD, &item.DurationMS, &item.NumTurns,
			&item.IsError, &item.ErrorKind, &tools, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		_ = json.Unmarshal([]byte(tools), &item.ToolsUsed)
		out = append(out, item)
	}
	return out, rows.Err()
}

// TotalCost sums the user's spend across all recorded runs.
func (s *Store) TotalCost(ctx context.Context, userID int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM interactions WHERE user_id = ?`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total.Float64, nil
}

// CommandCounts returns invocation counts per command.
func (s *Store) CommandCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command, COUNT(*) FROM commands GROUP BY command`)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var command string
		var count int
		if err := rows.Scan(&command, &count); err != nil {
			return nil, fmt.Errorf("scan command count: %w", err)
		}
		counts[command] = count
	}
	return counts, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func toolNames(tools []claude.ToolUse) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}
