package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rexliu/codexbridge/pkg/core"
)

// ErrNotFound is returned when no pending entry matches a request id.
var ErrNotFound = errors.New("journal entry not found")

// Entry statuses.
const (
	StatusPending  = "pending"
	StatusAnswered = "answered"
	StatusExpired  = "expired"
)

// Entry is one server request received from the app-server.
type Entry struct {
	ID         string          `json:"id"`
	RequestID  uint64          `json:"requestId"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	ReceivedAt int64           `json:"receivedAt"`
	Status     string          `json:"status"`
	Outcome    json.RawMessage `json:"outcome,omitempty"`
	AnsweredAt *int64          `json:"answeredAt,omitempty"`
}

// Options tunes SQLite pragmas. Empty fields use WAL and NORMAL.
type Options struct {
	JournalMode string
	Synchronous string
}

// Store owns the approval journal database for a profile.
type Store struct {
	db   *sql.DB
	path string
	opts Options
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "NORMAL"
	}
	return &Store{db: db, path: path, opts: opts}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s;", pragmaValue(s.opts.JournalMode)),
		fmt.Sprintf("PRAGMA synchronous = %s;", pragmaValue(s.opts.Synchronous)),
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

// pragmaValue keeps only identifier characters; pragmas cannot be bound.
func pragmaValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return -1
	}, v)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS server_requests (
			id TEXT PRIMARY KEY,
			request_id INTEGER NOT NULL,
			method TEXT NOT NULL,
			params TEXT,
			received_at INTEGER NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','answered','expired')),
			outcome TEXT,
			answered_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_requests_status ON server_requests(status, request_id);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SchemaVersion reports the stored schema version.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schemaVersion'`).Scan(&v)
	return v, err
}

// RecordRequest journals a server request as pending.
func (s *Store) RecordRequest(ctx context.Context, requestID uint64, method string, params json.RawMessage) (Entry, error) {
	e := Entry{
		ID:         core.NewID(),
		RequestID:  requestID,
		Method:     method,
		Params:     params,
		ReceivedAt: time.Now().UnixMilli(),
		Status:     StatusPending,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO server_requests(id, request_id, method, params, received_at, status) VALUES(?,?,?,?,?,?)`,
		e.ID, int64(requestID), method, nullableJSON(params), e.ReceivedAt, e.Status)
	if err != nil {
		return Entry{}, fmt.Errorf("record request %d: %w", requestID, err)
	}
	return e, nil
}

// MarkAnswered records the outcome sent back for the newest pending entry
// carrying requestID.
func (s *Store) MarkAnswered(ctx context.Context, requestID uint64, outcome json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE server_requests SET status = ?, outcome = ?, answered_at = ?
		WHERE id = (
			SELECT id FROM server_requests
			WHERE request_id = ? AND status = ?
			ORDER BY id DESC LIMIT 1
		)`, StatusAnswered, nullableJSON(outcome), time.Now().UnixMilli(), int64(requestID), StatusPending)
	if err := wrapRowsAffected(res, err); err != nil {
		return fmt.Errorf("mark request %d answered: %w", requestID, err)
	}
	return nil
}

// ExpirePending marks every pending entry expired. Request ids are only
// meaningful to the app-server instance that issued them.
func (s *Store) ExpirePending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE server_requests SET status = ? WHERE status = ?`, StatusExpired, StatusPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPending returns unanswered entries, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `
		SELECT id, request_id, method, params, received_at, status, outcome, answered_at
		FROM server_requests WHERE status = ? ORDER BY id ASC`, StatusPending)
}

// ListRecent returns up to limit entries of any status, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `
		SELECT id, request_id, method, params, received_at, status, outcome, answered_at
		FROM server_requests ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			requestID int64
			params    *string
			outcome   *string
		)
		if err := rows.Scan(&e.ID, &requestID, &e.Method, &params, &e.ReceivedAt, &e.Status, &outcome, &e.AnsweredAt); err != nil {
			return nil, err
		}
		e.RequestID = uint64(requestID)
		if params != nil {
			e.Params = json.RawMessage(*params)
		}
		if outcome != nil {
			e.Outcome = json.RawMessage(*outcome)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
