// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store persists bots, command definitions and script data in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"go.astrophena.name/botcraft/internal/command"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB

	// Serializes read-modify-write of script data to keep increments
	// atomic and avoid SQLITE_BUSY under load.
	dataMu sync.Mutex
}

// Open opens (creating if needed) the database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection: WAL for better
	// concurrency, foreign keys so deleting a bot cascades to its
	// commands.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS bots (
		token TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		bot_token TEXT NOT NULL REFERENCES bots(token) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL,
		code TEXT NOT NULL,
		answer_handler TEXT NOT NULL DEFAULT '',
		wait_for_answer INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_bot ON commands(bot_token, created_at);

	CREATE TABLE IF NOT EXISTS script_data (
		scope TEXT NOT NULL,
		bot_token TEXT NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		data_key TEXT NOT NULL,
		data_value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, bot_token, user_id, data_key)
	);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Bots.

// CreateBot registers a bot.
func (s *Store) CreateBot(ctx context.Context, token, name string) (*command.Bot, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (token, name, is_active, created_at) VALUES (?, ?, 1, ?)`,
		token, name, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &command.Bot{Token: token, Name: name, IsActive: true, CreatedAt: now}, nil
}

// DeleteBot removes a bot and, through the cascade, its commands.
func (s *Store) DeleteBot(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBot returns the bot with the given token.
func (s *Store) GetBot(ctx context.Context, token string) (*command.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, name, is_active, created_at FROM bots WHERE token = ?`, token)
	return scanBot(row)
}

// ListActiveBots returns all active bots.
func (s *Store) ListActiveBots(ctx context.Context) ([]command.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, name, is_active, created_at FROM bots WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []command.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

type scanner interface{ Scan(...any) error }

func scanBot(row scanner) (*command.Bot, error) {
	var (
		b       command.Bot
		active  int
		created int64
	)
	if err := row.Scan(&b.Token, &b.Name, &active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	b.IsActive = active != 0
	b.CreatedAt = time.Unix(0, created)
	return &b, nil
}

// Commands.

// CreateCommand stores def, assigning it an ID and timestamps.
func (s *Store) CreateCommand(ctx context.Context, def *command.Definition) error {
	def.ID = uuid.NewString()
	def.CreatedAt = time.Now()
	def.UpdatedAt = def.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, bot_token, name, pattern, code, answer_handler, wait_for_answer, is_active, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.BotToken, def.Name, def.Pattern, def.Code, def.AnswerHandler,
		boolInt(def.WaitForAnswer), boolInt(def.IsActive), def.Description,
		def.CreatedAt.UnixNano(), def.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

// UpdateCommand updates an existing command.
func (s *Store) UpdateCommand(ctx context.Context, def *command.Definition) error {
	def.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET name = ?, pattern = ?, code = ?, answer_handler = ?, wait_for_answer = ?, is_active = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		def.Name, def.Pattern, def.Code, def.AnswerHandler,
		boolInt(def.WaitForAnswer), boolInt(def.IsActive), def.Description,
		def.UpdatedAt.UnixNano(), def.ID,
	)
	if err != nil {
		return fmt.Errorf("update command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCommand removes a command.
func (s *Store) DeleteCommand(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const commandCols = `id, bot_token, name, pattern, code, answer_handler, wait_for_answer, is_active, description, created_at, updated_at`

// GetCommand returns the command with the given ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*command.Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandCols+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// ListCommands returns all commands of a bot in creation order.
func (s *Store) ListCommands(ctx context.Context, botToken string) ([]command.Definition, error) {
	return s.listCommands(ctx,
		`SELECT `+commandCols+` FROM commands WHERE bot_token = ? ORDER BY created_at, id`, botToken)
}

// ListActiveCommands returns the active commands of a bot in creation
// order, which is also their match order.
func (s *Store) ListActiveCommands(ctx context.Context, botToken string) ([]command.Definition, error) {
	return s.listCommands(ctx,
		`SELECT `+commandCols+` FROM commands WHERE bot_token = ? AND is_active = 1 ORDER BY created_at, id`, botToken)
}

func (s *Store) listCommands(ctx context.Context, query string, args ...any) ([]command.Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var defs []command.Definition
	for rows.Next() {
		def, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

func scanCommand(row scanner) (*command.Definition, error) {
	var (
		def              command.Definition
		wait, active     int
		created, updated int64
	)
	if err := row.Scan(
		&def.ID, &def.BotToken, &def.Name, &def.Pattern, &def.Code,
		&def.AnswerHandler, &wait, &active, &def.Description,
		&created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	def.WaitForAnswer = wait != 0
	def.IsActive = active != 0
	def.CreatedAt = time.Unix(0, created)
	def.UpdatedAt = time.Unix(0, updated)
	return &def, nil
}

// Script data.
//
// Values are stored as JSON. The scope is "user" (keyed by bot token
// and user ID) or "bot" (keyed by bot token alone).

// DataKey addresses a script data row.
type DataKey struct {
	Scope    string // "user" or "bot"
	BotToken string
	UserID   int64 // zero for bot scope
}

// GetData returns the value under key, or nil if absent.
func (s *Store) GetData(ctx context.Context, dk DataKey, key string) (any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data_value FROM script_data WHERE scope = ? AND bot_token = ? AND user_id = ? AND data_key = ?`,
		dk.Scope, dk.BotToken, dk.UserID, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data: %w", err)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return nil, fmt.Errorf("get data: decoding %q: %w", key, err)
	}
	return val, nil
}

// SetData stores val under key.
func (s *Store) SetData(ctx context.Context, dk DataKey, key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("set data: encoding %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO script_data (scope, bot_token, user_id, data_key, data_value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, bot_token, user_id, data_key) DO UPDATE
		 SET data_value = excluded.data_value, updated_at = excluded.updated_at`,
		dk.Scope, dk.BotToken, dk.UserID, key, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set data: %w", err)
	}
	return nil
}

// DeleteData removes key.
func (s *Store) DeleteData(ctx context.Context, dk DataKey, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM script_data WHERE scope = ? AND bot_token = ? AND user_id = ? AND data_key = ?`,
		dk.Scope, dk.BotToken, dk.UserID, key,
	)
	if err != nil {
		return fmt.Errorf("delete data: %w", err)
	}
	return nil
}

// IncrementData adds by to the integer under key, treating a missing or
// non-numeric value as zero, and returns the new value.
func (s *Store) IncrementData(ctx context.Context, dk DataKey, key string, by int64) (int64, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	cur, err := s.GetData(ctx, dk, key)
	if err != nil {
		return 0, err
	}
	var n int64
	switch v := cur.(type) {
	case float64:
		n = int64(v)
	case json.Number:
		n, _ = v.Int64()
	}
	n += by
	if err := s.SetData(ctx, dk, key, n); err != nil {
		return 0, err
	}
	return n, nil
}

// AllData returns every key-value pair in the scope.
func (s *Store) AllData(ctx context.Context, dk DataKey) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data_key, data_value FROM script_data WHERE scope = ? AND bot_token = ? AND user_id = ?`,
		dk.Scope, dk.BotToken, dk.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("all data: %w", err)
	}
	defer rows.Close()

	all := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("all data: %w", err)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("all data: decoding %q: %w", key, err)
		}
		all[key] = val
	}
	return all, rows.Err()
}

// ClearData removes every key-value pair in the scope.
func (s *Store) ClearData(ctx context.Context, dk DataKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM script_data WHERE scope = ? AND bot_token = ? AND user_id = ?`,
		dk.Scope, dk.BotToken, dk.UserID,
	)
	if err != nil {
		return fmt.Errorf("clear data: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ command.Store = (*Store)(nil)
