package logpipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// Sink persists a batch of log items. Implementations must tolerate Insert
// items and Update items arriving in the same batch.
type Sink interface {
	WriteBatch(ctx context.Context, items []Item) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// SQLSink is the dual SQLite/Postgres request-log sink.
type SQLSink struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteSink opens (and migrates) a SQLite-backed log sink.
func NewSQLiteSink(dsn string) (*SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gateway-requestlog.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log sink: %w", err)
	}
	s := &SQLSink{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink opens (and migrates) a Postgres-backed log sink.
func NewPostgresSink(dsn string) (*SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres log sink: %w", err)
	}
	s := &SQLSink{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s log sink: %w", s.dialect, err)
	}

	timestampType := "DATETIME"
	if s.dialect == "postgres" {
		timestampType = "TIMESTAMPTZ"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS request_logs (
	request_id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	proxy_key_id TEXT NOT NULL,
	model TEXT NOT NULL,
	canonical_model TEXT NOT NULL,
	key_hash TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	provider_kind TEXT NOT NULL,
	client_ip TEXT NOT NULL,
	user_agent TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	streaming BOOLEAN NOT NULL,
	has_tools BOOLEAN NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_kind TEXT NOT NULL,
	error_message TEXT NOT NULL,
	created_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_group ON request_logs(group_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);`, timestampType)

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request_logs schema: %w", err)
	}
	return nil
}

func (s *SQLSink) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	argNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// WriteBatch upserts every item: an insert creates the row, an update
// overwrites the mutable columns of a row an earlier insert already created.
func (s *SQLSink) WriteBatch(ctx context.Context, items []Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertQ := s.bind(`
INSERT INTO request_logs(request_id, group_id, proxy_key_id, model, canonical_model, key_hash, method, path,
                          provider_kind, client_ip, user_agent, status_code, streaming, has_tools,
                          prompt_tokens, completion_tokens, duration_ms, error_kind, error_message, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	updateQ := s.bind(`
UPDATE request_logs SET status_code = ?, streaming = ?, prompt_tokens = ?, completion_tokens = ?,
                         duration_ms = ?, error_kind = ?, error_message = ?
WHERE request_id = ?`)

	for _, it := range items {
		switch it.Kind {
		case KindInsert:
			if _, err := tx.ExecContext(ctx, insertQ, it.RequestID, it.GroupID, it.ProxyKeyID, it.Model,
				it.CanonicalModel, it.KeyHash, it.Method, it.Path, it.ProviderKind, it.ClientIP, it.UserAgent,
				it.StatusCode, it.Streaming, it.HasTools, it.PromptTokens, it.CompletionTokens, it.DurationMS,
				it.ErrorKind, it.ErrorMessage, it.CreatedAt); err != nil {
				return fmt.Errorf("insert request log %s: %w", it.RequestID, err)
			}
		case KindUpdate:
			if _, err := tx.ExecContext(ctx, updateQ, it.StatusCode, it.Streaming, it.PromptTokens,
				it.CompletionTokens, it.DurationMS, it.ErrorKind, it.ErrorMessage, it.RequestID); err != nil {
				return fmt.Errorf("update request log %s: %w", it.RequestID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write batch: %w", err)
	}
	return nil
}

// DeleteOlderThan removes rows older than cutoff, for the log-cleanup
// worker.
func (s *SQLSink) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.bind(`DELETE FROM request_logs WHERE created_at < ?`)
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.dialect == "sqlite" {
		_, _ = s.db.ExecContext(ctx, "VACUUM")
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (s *SQLSink) Close() error {
	return s.db.Close()
}
