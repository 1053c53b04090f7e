package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_messages (
		  thread_id TEXT NOT NULL,
		  message_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  role TEXT NOT NULL,
		  kind TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  version INTEGER NOT NULL,
		  message_json TEXT NOT NULL,
		  PRIMARY KEY (thread_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_seq
		  ON transcript_messages(thread_id, seq);`,
		`CREATE TABLE IF NOT EXISTS threads (
		  thread_id TEXT PRIMARY KEY,
		  title TEXT NOT NULL DEFAULT '',
		  endpoint TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  last_seen_version INTEGER NOT NULL DEFAULT 0,
		  message_count INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT 'active',
		  last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS threads_by_last_activity
		  ON threads(last_activity_ms DESC, thread_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) UpsertThread(ctx context.Context, record ThreadRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()
	record = normalizeThreadRecord(record, now)
	if record.ThreadID == "" {
		return errors.New("sqlite transcript store: threadID is empty")
	}
	lastSeenVersion, err := uint64ToInt64(record.LastSeenVersion)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: last_seen_version overflow")
	}
	insertStatus := record.Status
	if insertStatus == "" {
		insertStatus = ThreadActive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (
			thread_id, title, endpoint, created_at_ms, last_activity_ms,
			last_seen_version, message_count, status, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			title = CASE
				WHEN excluded.title <> '' THEN excluded.title
				ELSE threads.title
			END,
			endpoint = CASE
				WHEN excluded.endpoint <> '' THEN excluded.endpoint
				ELSE threads.endpoint
			END,
			created_at_ms = CASE
				WHEN threads.created_at_ms > 0 THEN threads.created_at_ms
				ELSE excluded.created_at_ms
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > threads.last_activity_ms THEN excluded.last_activity_ms
				ELSE threads.last_activity_ms
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > threads.last_seen_version THEN excluded.last_seen_version
				ELSE threads.last_seen_version
			END,
			message_count = CASE
				WHEN excluded.message_count > threads.message_count THEN excluded.message_count
				ELSE threads.message_count
			END,
			status = CASE
				WHEN ? <> '' THEN excluded.status
				ELSE threads.status
			END,
			last_error = CASE
				WHEN ? <> '' THEN excluded.last_error
				ELSE threads.last_error
			END
	`, record.ThreadID, record.Title, record.Endpoint, record.CreatedAtMs, record.LastActivityMs,
		lastSeenVersion, record.MessageCount, insertStatus, record.LastError,
		record.Status, record.Status)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert thread")
	}
	return nil
}

const threadColumns = `thread_id, title, endpoint, created_at_ms, last_activity_ms,
		       last_seen_version, message_count, status, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (ThreadRecord, error) {
	var (
		record          ThreadRecord
		lastSeenVersion int64
	)
	if err := row.Scan(
		&record.ThreadID,
		&record.Title,
		&record.Endpoint,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&lastSeenVersion,
		&record.MessageCount,
		&record.Status,
		&record.LastError,
	); err != nil {
		return ThreadRecord{}, err
	}
	v, err := int64ToUint64(lastSeenVersion)
	if err != nil {
		return ThreadRecord{}, errors.Wrap(err, "sqlite transcript store: invalid thread version")
	}
	record.LastSeenVersion = v
	if record.Status == "" {
		record.Status = ThreadActive
	}
	return record, nil
}

func (s *SQLiteTranscriptStore) GetThread(ctx context.Context, threadID string) (ThreadRecord, bool, error) {
	if s == nil || s.db == nil {
		return ThreadRecord{}, false, errors.New("sqlite transcript store: db is nil")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ThreadRecord{}, false, errors.New("sqlite transcript store: threadID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	record, err := scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE thread_id = ?
	`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadRecord{}, false, nil
	}
	if err != nil {
		return ThreadRecord{}, false, errors.Wrap(err, "sqlite transcript store: get thread")
	}
	return record, true, nil
}

func (s *SQLiteTranscriptStore) ListThreads(ctx context.Context, limit int, sinceMs int64) ([]ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + threadColumns + ` FROM threads`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY last_activity_ms DESC, thread_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list threads")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ThreadRecord, 0, limit)
	for rows.Next() {
		record, err := scanThread(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan thread")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate threads")
	}
	return records, nil
}

func (s *SQLiteTranscriptStore) UpsertMessage(ctx context.Context, threadID string, seq int, version uint64, msg transcript.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if threadID == "" {
		return errors.New("sqlite transcript store: threadID is empty")
	}
	if version == 0 {
		return errors.New("sqlite transcript store: version is 0")
	}
	if msg.ID == "" {
		return errors.New("sqlite transcript store: message id is empty")
	}
	if seq < 0 {
		return errors.New("sqlite transcript store: negative seq")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UnixMilli()
	versionI64, err := uint64ToInt64(version)
	if err != nil {
		return err
	}
	createdAt := msg.CreatedAt.UnixMilli()
	if msg.CreatedAt.IsZero() {
		createdAt = now
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: marshal message")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_messages(thread_id, message_id, seq, role, kind, created_at_ms, updated_at_ms, version, message_json)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, message_id) DO UPDATE SET
		  seq = excluded.seq,
		  role = excluded.role,
		  kind = excluded.kind,
		  updated_at_ms = excluded.updated_at_ms,
		  version = excluded.version,
		  message_json = excluded.message_json
	`, threadID, msg.ID, seq, string(msg.Role), string(msg.Kind), createdAt, now, versionI64, string(msgJSON)); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert message")
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_messages WHERE thread_id = ?`, threadID).Scan(&count); err != nil {
		return errors.Wrap(err, "sqlite transcript store: count messages")
	}

	// keep the thread index in step with the transcript
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (
			thread_id, title, endpoint, created_at_ms, last_activity_ms,
			last_seen_version, message_count, status, last_error
		) VALUES (?, '', '', ?, ?, ?, ?, 'active', '')
		ON CONFLICT(thread_id) DO UPDATE SET
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > threads.last_activity_ms THEN excluded.last_activity_ms
				ELSE threads.last_activity_ms
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > threads.last_seen_version THEN excluded.last_seen_version
				ELSE threads.last_seen_version
			END,
			message_count = excluded.message_count
	`, threadID, now, now, versionI64, count); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert thread progress")
	}

	return tx.Commit()
}

func (s *SQLiteTranscriptStore) LoadTranscript(ctx context.Context, threadID string) ([]transcript.Message, uint64, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("sqlite transcript store: db is nil")
	}
	if threadID == "" {
		return nil, 0, errors.New("sqlite transcript store: threadID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seen_version FROM threads WHERE thread_id = ?`, threadID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errors.Wrap(err, "sqlite transcript store: read version")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_json
		FROM transcript_messages
		WHERE thread_id = ?
		ORDER BY seq ASC, message_id ASC
	`, threadID)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sqlite transcript store: query transcript")
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]transcript.Message, 0, 64)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, err
		}
		var msg transcript.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, 0, errors.Wrap(err, "sqlite transcript store: unmarshal message")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	version, err := int64ToUint64(current)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sqlite transcript store: invalid version")
	}
	return msgs, version, nil
}

func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
