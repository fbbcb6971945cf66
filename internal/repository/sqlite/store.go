package sqlite

/*
Файл store.go — локальное хранилище результатов на SQLite (modernc, без cgo).
Используется в CLI и в локальном режиме сервиса, когда Postgres не нужен.
Набор методов совпадает с postgres.Store.
*/

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/alert"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const baselineSamples = 200

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL DEFAULT '',
	agent_id        TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	sequence_number INTEGER,
	task            TEXT NOT NULL DEFAULT '',
	input           TEXT NOT NULL DEFAULT '',
	output          TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	confidence      REAL,
	corrected       INTEGER NOT NULL DEFAULT 0,
	original_output TEXT,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	token_count     INTEGER NOT NULL DEFAULT 0,
	cost_estimate   REAL NOT NULL DEFAULT 0,
	trace           TEXT,
	timestamp       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_org_ts ON executions (org_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_executions_agent_action ON executions (agent_id, action, timestamp);

CREATE TABLE IF NOT EXISTS check_results (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	ordinal      INTEGER NOT NULL DEFAULT 0,
	check_type   TEXT NOT NULL,
	score        REAL,
	passed       INTEGER NOT NULL,
	details      TEXT,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_check_results_execution ON check_results (execution_id, ordinal);
CREATE UNIQUE INDEX IF NOT EXISTS uq_check_results_execution_type ON check_results (execution_id, check_type);

CREATE TABLE IF NOT EXISTS correction_attempts (
	id                TEXT PRIMARY KEY,
	execution_id      TEXT NOT NULL,
	layer             INTEGER NOT NULL CHECK (layer BETWEEN 1 AND 3),
	layer_name        TEXT NOT NULL,
	action_taken      TEXT NOT NULL DEFAULT '',
	success           INTEGER NOT NULL,
	confidence_before REAL,
	confidence_after  REAL,
	corrected_output  TEXT,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_correction_attempts_execution_layer ON correction_attempts (execution_id, layer);

CREATE TABLE IF NOT EXISTS guardrails (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	agent_id   TEXT,
	name       TEXT NOT NULL,
	rule_type  TEXT NOT NULL,
	condition  TEXT NOT NULL,
	action     TEXT NOT NULL CHECK (action IN ('flag', 'block')),
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guardrails_org ON guardrails (org_id, enabled);

CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL DEFAULT '',
	agent_id     TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	message      TEXT NOT NULL,
	details      TEXT,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_org_ts ON alerts (org_id, timestamp);
`

var (
	_ engine.Persister       = (*Store)(nil)
	_ engine.ExecutionLookup = (*Store)(nil)
	_ alert.Writer           = (*Store)(nil)
)

type Store struct {
	db      *sql.DB
	writeMu sync.Mutex // Один писатель за раз, иначе SQLITE_BUSY под нагрузкой воркеров
	now     func() time.Time
	logger  *zap.Logger
}

// Open открывает (или создает) файл базы и применяет схему.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}

	s := &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("mod", "sqlite")),
	}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx выполняет fn в транзакции под writeMu.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// nullJSON - пустое значение пишется как NULL.
func nullJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
