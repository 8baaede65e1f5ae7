package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/click2call/internal/chat"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
	SummarySkipped   = "skipped"
)

const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

const (
	scopeLocal   = "local"
	scopeSession = "session"
)

type Call struct {
	ID            string     `json:"id"`
	RemoteID      string     `json:"remote_id"`
	Direction     string     `json:"direction"`
	Destination   string     `json:"destination"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	EndReason     string     `json:"end_reason"`
	Summary       string     `json:"summary"`
	SummaryStatus string     `json:"summary_status"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "click2call.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	tables := []struct{ name, ddl string }{
		{"kv", `
			CREATE TABLE IF NOT EXISTS kv (
				scope TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY(scope, key)
			);`},
		{"calls", `
			CREATE TABLE IF NOT EXISTS calls (
				id TEXT PRIMARY KEY,
				remote_id TEXT NOT NULL DEFAULT '',
				direction TEXT NOT NULL,
				destination TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				ended_at TEXT,
				status TEXT NOT NULL,
				end_reason TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL DEFAULT '',
				summary_status TEXT NOT NULL DEFAULT 'pending'
			);`},
		{"chat_entries", `
			CREATE TABLE IF NOT EXISTS chat_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				call_id TEXT NOT NULL,
				speaker TEXT NOT NULL,
				text TEXT NOT NULL,
				state TEXT NOT NULL,
				FOREIGN KEY(call_id) REFERENCES calls(id) ON DELETE CASCADE
			);`},
		{"summary_requests", `
			CREATE TABLE IF NOT EXISTS summary_requests (
				call_id TEXT NOT NULL,
				prompt_hash TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(call_id, prompt_hash)
			);`},
	}
	for _, t := range tables {
		if _, err := s.db.Exec(t.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", t.name, err)
		}
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at)"); err != nil {
		return fmt.Errorf("create calls index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_entries_call_id ON chat_entries(call_id, id)"); err != nil {
		return fmt.Errorf("create chat entries index: %w", err)
	}

	// session-scoped keys live only as long as the process
	if _, err := s.db.Exec(`DELETE FROM kv WHERE scope = ?`, scopeSession); err != nil {
		return fmt.Errorf("clear session keys: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Local is durable storage that survives restarts.
func (s *SQLiteStore) Local() *KV { return &KV{db: s.db, scope: scopeLocal} }

// Session is storage cleared every time the store is opened.
func (s *SQLiteStore) Session() *KV { return &KV{db: s.db, scope: scopeSession} }

func (s *SQLiteStore) CreateCall(c Call) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("call id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO calls(id, remote_id, direction, destination, started_at, status, summary_status)
		 VALUES(?, ?, ?, ?, ?, 'active', ?)`,
		c.ID,
		c.RemoteID,
		c.Direction,
		c.Destination,
		c.StartedAt.UTC().Format(time.RFC3339Nano),
		SummaryPending,
	)
	if err != nil {
		return fmt.Errorf("create call %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) EndCall(id string, endedAt time.Time, reason string) error {
	res, err := s.db.Exec(
		`UPDATE calls SET ended_at = ?, status = 'ended', end_reason = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		reason,
		id,
	)
	if err != nil {
		return fmt.Errorf("end call %s: %w", id, err)
	}
	return expectRow(res, "end call")
}

// ReplaceTranscript stores entries as the call's transcript, dropping any
// previously stored one.
func (s *SQLiteStore) ReplaceTranscript(callID string, entries []chat.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transcript tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chat_entries WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("clear transcript for call %s: %w", callID, err)
	}
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO chat_entries(call_id, speaker, text, state) VALUES(?, ?, ?, ?)`,
			callID, string(e.Type), text, string(e.State),
		); err != nil {
			return fmt.Errorf("append entry for call %s: %w", callID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript for call %s: %w", callID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTranscript(callID string) ([]chat.Entry, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, state FROM chat_entries WHERE call_id = ? ORDER BY id ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]chat.Entry, 0, 32)
	for rows.Next() {
		var speaker, text, state string
		if err := rows.Scan(&speaker, &text, &state); err != nil {
			return nil, fmt.Errorf("scan entry for call %s: %w", callID, err)
		}
		entries = append(entries, chat.Entry{Type: chat.Speaker(speaker), Text: text, State: chat.EntryState(state)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows for call %s: %w", callID, err)
	}

	return entries, nil
}

func (s *SQLiteStore) GetCallsByDate(date string) ([]Call, error) {
	rows, err := s.db.Query(
		`SELECT `+callColumns+`
		 FROM calls
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	calls := make([]Call, 0, 16)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls rows: %w", err)
	}

	return calls, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM calls ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetCall(id string) (Call, error) {
	row := s.db.QueryRow(`SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	c, err := scanCall(row)
	if err != nil {
		return Call{}, fmt.Errorf("query call %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateSummary(callID, summary, status string) error {
	res, err := s.db.Exec(
		`UPDATE calls SET summary = ?, summary_status = ? WHERE id = ?`,
		summary,
		status,
		callID,
	)
	if err != nil {
		return fmt.Errorf("update summary for call %s: %w", callID, err)
	}
	return expectRow(res, "update summary")
}

func (s *SQLiteStore) ClaimSummaryRequest(callID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(call_id, prompt_hash) VALUES(?, ?)`,
		callID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for call %s: %w", callID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

const callColumns = `id, remote_id, direction, destination, started_at, ended_at, status, end_reason, summary, summary_status`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (Call, error) {
	var c Call
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&c.ID, &c.RemoteID, &c.Direction, &c.Destination, &startedAt, &endedAt,
		&c.Status, &c.EndReason, &c.Summary, &c.SummaryStatus); err != nil {
		return Call{}, fmt.Errorf("scan call: %w", err)
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Call{}, fmt.Errorf("parse call %s started_at: %w", c.ID, err)
	}
	c.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Call{}, fmt.Errorf("parse call %s ended_at: %w", c.ID, err)
		}
		c.EndedAt = &parsedEnd
	}

	return c, nil
}

func expectRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
