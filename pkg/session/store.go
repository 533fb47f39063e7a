// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/usage"

	// SQL drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on sqlite or postgres. Concurrency is
// handled by database transactions; no Go-level locking.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    resolver_context_json TEXT,
    usage_json TEXT
)`

const createSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    session_id VARCHAR(64) NOT NULL,
    sequence_num INTEGER NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT,
    tool_calls_json TEXT,
    tool_result_of VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, sequence_num)
)`

// NewSQLStore opens the store and creates the schema. dialect is
// "sqlite" or "postgres"; storeURL is a file path or a postgres URL.
func NewSQLStore(storeURL, dialect string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case "sqlite", "sqlite3":
		dialect = "sqlite"
		driver = "sqlite3"
	case "postgres":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}

	db, err := sql.Open(driver, storeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// One statement at a time for sqlite compatibility.
	for _, stmt := range []string{createSessionsSQL, createSessionsIndexSQL, createMessagesSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// Create inserts an empty session and returns it.
func (s *SQLStore) Create(ctx context.Context) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO sessions (id, created_at, updated_at, resolver_context_json, usage_json)
              VALUES (?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	if _, err := s.db.ExecContext(ctx, query, sess.ID, now, now, "{}", "{}"); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Load fetches a session with its full message history.
func (s *SQLStore) Load(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, created_at, updated_at, resolver_context_json, usage_json
              FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	sess := &Session{}
	var contextJSON, usageJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &contextJSON, &usageJSON)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
			return nil, fmt.Errorf("failed to decode resolver context: %w", err)
		}
	}
	if usageJSON != "" {
		if err := json.Unmarshal([]byte(usageJSON), &sess.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode usage: %w", err)
		}
	}

	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Messages = messages
	return sess, nil
}

func (s *SQLStore) loadMessages(ctx context.Context, id string) ([]Message, error) {
	query := `SELECT role, content, tool_calls_json, tool_result_of, created_at
              FROM messages WHERE session_id = ? ORDER BY sequence_num ASC`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var toolCallsJSON string
		if err := rows.Scan(&m.Role, &m.Content, &toolCallsJSON, &m.ToolResultOf, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCallsJSON != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Append writes one turn's messages and merges the resolver context,
// all inside a single transaction. Usage replaces the stored snapshot.
func (s *SQLStore) Append(ctx context.Context, id string, messages []Message, rc resolver.Context, stats usage.Stats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Merge the turn's context into the stored one field-wise.
	selectQuery := `SELECT resolver_context_json FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		selectQuery = convertToPostgresPlaceholders(selectQuery)
	}
	var contextJSON string
	err = tx.QueryRowContext(ctx, selectQuery, id).Scan(&contextJSON)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read resolver context: %w", err)
	}
	var stored resolver.Context
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &stored); err != nil {
			return fmt.Errorf("failed to decode resolver context: %w", err)
		}
	}
	stored.Merge(&rc)

	seq, err := s.nextSequenceNumTx(ctx, tx, id)
	if err != nil {
		return err
	}

	insertQuery := `INSERT INTO messages (session_id, sequence_num, role, content, tool_calls_json, tool_result_of, created_at)
                    VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insertQuery = convertToPostgresPlaceholders(insertQuery)
	}
	for i, m := range messages {
		toolCallsJSON := ""
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
			toolCallsJSON = string(data)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, insertQuery,
			id, seq+i, m.Role, m.Content, toolCallsJSON, m.ToolResultOf, ts); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	mergedJSON, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode resolver context: %w", err)
	}
	usageJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	updateQuery := `UPDATE sessions SET resolver_context_json = ?, usage_json = ?, updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		updateQuery = convertToPostgresPlaceholders(updateQuery)
	}
	if _, err := tx.ExecContext(ctx, updateQuery,
		string(mergedJSON), string(usageJSON), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return tx.Commit()
}

// UpdateUsage overwrites the stored usage snapshot.
func (s *SQLStore) UpdateUsage(ctx context.Context, id string, stats usage.Stats) error {
	usageJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}
	query := `UPDATE sessions SET usage_json = ?, updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	res, err := s.db.ExecContext(ctx, query, string(usageJSON), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) nextSequenceNumTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	query := `SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE session_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	var seq int
	if err := tx.QueryRowContext(ctx, query, id).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get sequence number: %w", err)
	}
	return seq, nil
}

// Delete removes a session and its messages.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	messagesQuery := `DELETE FROM messages WHERE session_id = ?`
	sessionQuery := `DELETE FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		messagesQuery = convertToPostgresPlaceholders(messagesQuery)
		sessionQuery = convertToPostgresPlaceholders(sessionQuery)
	}
	if _, err := s.db.ExecContext(ctx, messagesQuery, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sessionQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List returns session summaries, most recently updated first.
func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	query := `SELECT s.id, s.created_at, s.updated_at, s.usage_json, COUNT(m.session_id)
              FROM sessions s
              LEFT JOIN messages m ON m.session_id = s.id
              GROUP BY s.id, s.created_at, s.updated_at, s.usage_json
              ORDER BY s.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var usageJSON string
		if err := rows.Scan(&sum.ID, &sum.CreatedAt, &sum.UpdatedAt, &usageJSON, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		if usageJSON != "" {
			var stats usage.Stats
			if err := json.Unmarshal([]byte(usageJSON), &stats); err == nil {
				sum.CostUSD = stats.CostUSD
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// convertToPostgresPlaceholders rewrites ? placeholders as $1, $2, ...
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Compile-time interface check
var _ Store = (*SQLStore)(nil)
