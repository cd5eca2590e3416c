// Package store is the durable conversation/queue/advisor persistence
// layer (spec.md §2 C2), backed by modernc.org/sqlite — a pure-Go
// driver, so the binary stays CGo-free like the rest of the teacher's
// toolchain. Every mutating operation on a single conversation holds
// that conversation's keyed mutex for the duration of the
// read-modify-write, giving single-writer semantics without a
// database-level transaction retry loop.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
)

type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open creates/migrates the sqlite database at dsn (a file path, or
// "file::memory:?cache=shared" for tests).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "open sqlite store", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithConversationLock runs fn while holding conversationID's keyed
// mutex, giving callers outside this package (pkg/engine, pkg/queue)
// the same single-writer guarantee internal store methods rely on for
// atomic load-advance-persist sequences.
func (s *Store) WithConversationLock(conversationID string, fn func() error) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// lockConversation returns (and lazily creates) the keyed mutex for a
// given conversation id. Held by callers across the full
// read-modify-write of a mutating operation.
func (s *Store) lockConversation(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[conversationID] = m
	}
	return m
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channel_connections (
			id TEXT PRIMARY KEY,
			alias TEXT NOT NULL,
			provider_phone_id TEXT NOT NULL,
			display_number TEXT NOT NULL,
			access_token_enc BLOB,
			verify_token_enc BLOB,
			is_active INTEGER NOT NULL DEFAULT 1,
			default_queue_id TEXT,
			default_flow_id TEXT,
			bot_timeout_minutes INTEGER NOT NULL DEFAULT 30,
			fallback_queue_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			channel_connection_id TEXT NOT NULL,
			remote_phone TEXT NOT NULL,
			display_number TEXT,
			contact_name TEXT,
			status TEXT NOT NULL,
			assigned_to TEXT,
			assigned_at DATETIME,
			queued_at DATETIME,
			queue_id TEXT,
			bot_flow_id TEXT,
			bot_started_at DATETIME,
			ticket_number INTEGER,
			attended_by TEXT,
			active_advisors TEXT,
			transferred_from TEXT,
			transferred_at DATETIME,
			unread INTEGER NOT NULL DEFAULT 0,
			last_message_preview TEXT,
			last_message_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(channel_connection_id, remote_phone)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_queue ON conversations(queue_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_assigned ON conversations(assigned_to, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT,
			media_url TEXT,
			media_thumb TEXT,
			replied_to_id TEXT,
			status TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			event_type TEXT,
			sent_by TEXT,
			provider_message_id TEXT,
			provider_meta TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_msg_id ON messages(conversation_id, provider_message_id) WHERE provider_message_id IS NOT NULL AND provider_message_id != ''`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			type TEXT NOT NULL,
			url TEXT,
			thumbnail TEXT,
			filename TEXT,
			mimetype TEXT,
			size INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
		`CREATE TABLE IF NOT EXISTS advisors (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT,
			role TEXT NOT NULL,
			password_hash TEXT,
			status_id TEXT,
			is_manually_offline INTEGER NOT NULL DEFAULT 0,
			theme TEXT,
			last_assignment_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS advisor_statuses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			color TEXT,
			action TEXT NOT NULL,
			redirect_queue TEXT,
			is_default INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS advisor_sessions (
			id TEXT PRIMARY KEY,
			advisor_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_advisor_sessions_advisor ON advisor_sessions(advisor_id, end_time)`,
		`CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			distribution_mode TEXT NOT NULL,
			max_concurrent INTEGER NOT NULL DEFAULT 1,
			assigned_advisors TEXT,
			supervisors TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			slack_webhook_url TEXT,
			rr_cursor INTEGER NOT NULL DEFAULT 0,
			schedule_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS flow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			is_published INTEGER NOT NULL DEFAULT 0,
			definition_json TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bot_sessions (
			conversation_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			variables_json TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			awaiting_input INTEGER NOT NULL DEFAULT 0,
			interruptible INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS change_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_records_created ON change_records(id)`,
		`CREATE TABLE IF NOT EXISTS rag_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS maintenance_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			conversation_id TEXT,
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Wrap(errs.KindInternal, fmt.Sprintf("migrate: %s", stmt), err)
		}
	}
	logger.InfoCF("store", "schema migrated", nil)
	return nil
}

// nextSequence atomically increments and returns the named counter,
// used for human-facing ticket numbers.
func (s *Store) nextSequence(name string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "begin sequence tx", err)
	}
	defer tx.Rollback()

	var value int64
	err = tx.QueryRow(`SELECT value FROM sequences WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		value = 0
	} else if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "read sequence", err)
	}
	value++
	if _, err := tx.Exec(`INSERT INTO sequences(name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "write sequence", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "commit sequence", err)
	}
	return value, nil
}
