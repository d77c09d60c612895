package escrowd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Sidecar manages the service-tier persistence that lives beside the engine
// state store: HTTP idempotency replays, the request audit log, the durable
// event journal with consumer cursors, and the webhook outbox.
type Sidecar struct {
	db *sql.DB
}

// ErrIdempotencyReuse is returned when an Idempotency-Key is replayed with a
// different request body.
var ErrIdempotencyReuse = errors.New("idempotency key reuse with different request body")

// Webhook outbox row statuses.
const (
	WebhookPending   = "pending"
	WebhookDelivered = "delivered"
	WebhookFailed    = "failed"
)

// NewSidecar opens the sidecar database at path, creating the schema on first
// use. WAL keeps journal appends from blocking idempotency lookups.
func NewSidecar(path string) (*Sidecar, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	sc := &Sidecar{db: db}
	if err := sc.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sc, nil
}

func (s *Sidecar) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS http_idempotency (
            api_subject TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_subject, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS http_audit (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            subject TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER,
            detail TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            escrow_id TEXT,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_sequence INTEGER NOT NULL,
            url TEXT NOT NULL,
            payload TEXT NOT NULL,
            not_before TIMESTAMP,
            attempts INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status_code INTEGER,
            error TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sidecar) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the stored response for (subject, key), nil when
// the key is unseen, or ErrIdempotencyReuse when the request hash differs.
func (s *Sidecar) LookupIdempotency(ctx context.Context, subject, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM http_idempotency WHERE api_subject = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, subject, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyReuse
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency caches the response served for (subject, key).
func (s *Sidecar) SaveIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO http_idempotency(api_subject, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, subject, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents one http_audit row.
type AuditEntry struct {
	Subject   string
	Method    string
	Path      string
	Status    int
	Detail    string
	Timestamp time.Time
}

// InsertAudit records a state-changing request and its outcome.
func (s *Sidecar) InsertAudit(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO http_audit(subject, method, path, response_status, detail, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Subject, entry.Method, entry.Path, entry.Status, entry.Detail, entry.Timestamp)
	return err
}

// StoredEvent is one durable journal row. The sequence is assigned by the
// database on append and is strictly increasing.
type StoredEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// AppendEvent journals the event and returns its assigned sequence.
func (s *Sidecar) AppendEvent(ctx context.Context, evt StoredEvent) (int64, error) {
	const stmt = `INSERT INTO events(type, escrow_id, payload, created_at) VALUES (?, ?, ?, ?)`
	payloadJSON, err := json.Marshal(evt.Attributes)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, stmt, evt.Type, evt.EscrowID, string(payloadJSON), evt.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventsAfter returns up to limit journal rows with sequence greater than
// after, oldest first.
func (s *Sidecar) EventsAfter(ctx context.Context, after int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT sequence, type, escrow_id, payload, created_at FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &evt.EscrowID, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
				return nil, err
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LastEventSequence returns the highest journaled sequence, zero when empty.
func (s *Sidecar) LastEventSequence(ctx context.Context) (int64, error) {
	const query = `SELECT COALESCE(MAX(sequence), 0) FROM events`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

// CursorGet returns the named consumer's journal position, zero when unset.
func (s *Sidecar) CursorGet(ctx context.Context, name string) (int64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = ?`
	row := s.db.QueryRowContext(ctx, query, name)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// CursorSet stores the named consumer's journal position.
func (s *Sidecar) CursorSet(ctx context.Context, name string, value int64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, name, value)
	return err
}

// WebhookTask is one delivery in the durable outbox.
type WebhookTask struct {
	ID            int64
	EventSequence int64
	URL           string
	Payload       []byte
	NotBefore     time.Time
	Attempts      int
	Status        string
	CreatedAt     time.Time
}

// EnqueueWebhook inserts a pending outbox row and returns its id.
func (s *Sidecar) EnqueueWebhook(ctx context.Context, task WebhookTask) (int64, error) {
	const stmt = `INSERT INTO webhooks(event_sequence, url, payload, not_before, attempts, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	status := task.Status
	if status == "" {
		status = WebhookPending
	}
	res, err := s.db.ExecContext(ctx, stmt, task.EventSequence, task.URL, string(task.Payload), nullTime(task.NotBefore), task.Attempts, status, task.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingWebhooks returns outbox rows still awaiting delivery, oldest first.
// The dispatcher reloads these on startup.
func (s *Sidecar) PendingWebhooks(ctx context.Context, limit int) ([]WebhookTask, error) {
	if limit <= 0 {
		limit = 256
	}
	const query = `SELECT id, event_sequence, url, payload, not_before, attempts, status, created_at FROM webhooks WHERE status = ? ORDER BY id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, WebhookPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []WebhookTask
	for rows.Next() {
		var task WebhookTask
		var payload string
		var notBefore sql.NullTime
		if err := rows.Scan(&task.ID, &task.EventSequence, &task.URL, &payload, &notBefore, &task.Attempts, &task.Status, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.Payload = []byte(payload)
		if notBefore.Valid {
			task.NotBefore = notBefore.Time
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkWebhook updates an outbox row after a delivery attempt.
func (s *Sidecar) MarkWebhook(ctx context.Context, id int64, status string, attempts int, notBefore time.Time) error {
	const stmt = `UPDATE webhooks SET status = ?, attempts = ?, not_before = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, stmt, status, attempts, nullTime(notBefore), id)
	return err
}

// WebhookAttempt captures a single delivery try.
type WebhookAttempt struct {
	WebhookID  int64
	Attempt    int
	StatusCode int
	Error      string
	CreatedAt  time.Time
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *Sidecar) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, attempt, status_code, error, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.Attempt, nullInt(attempt.StatusCode), attempt.Error, attempt.CreatedAt)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
