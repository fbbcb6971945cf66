package postgres

/*
Файл store.go — точка входа в PostgreSQL-хранилище результатов верификации.

Store реализует:
- engine.Persister: исполнения, результаты проверок, попытки коррекции,
  чтение правил и базовых линий;
- alert.Writer: пакетная запись алертов;
- консольные выборки и CRUD правил.

Store работает поверх интерфейса DB, которому удовлетворяют и pgxpool.Pool, и pgxmock.
*/

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-verifier/internal/alert"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// baselineSamples - сколько последних pass-исполнений агента входит в базовую линию.
const baselineSamples = 200

// DB - подмножество pgxpool.Pool, которое нужно хранилищу.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var (
	_ engine.Persister       = (*Store)(nil)
	_ engine.ExecutionLookup = (*Store)(nil)
	_ alert.Writer           = (*Store)(nil)
)

type Store struct {
	db     DB
	now    func() time.Time
	logger *zap.Logger
}

func NewStore(db DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("mod", "postgres")),
	}
}

// NewPool создает пул соединений и проверяет доступность базы.
func NewPool(ctx context.Context, cfg infra.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pcfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	return pool, nil
}

// Migrate создает таблицы, если их еще нет. Повторный вызов безопасен.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to apply schema: %w", err)
	}
	return nil
}
