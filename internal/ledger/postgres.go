package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore хранит документы реестра в таблице ledger_documents.
// Версия документа - монотонный счётчик, увеличивающийся при каждой записи.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт пул соединений и применяет миграции.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := isConnectionError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}

		if !retryable || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Get возвращает документ по ключу.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Document, error) {
	key = cleanKey(key)

	var (
		body    []byte
		version int64
	)
	err := s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT body, version FROM ledger_documents WHERE key = $1`,
			key,
		).Scan(&body, &version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	return &Document{Key: key, Body: body, Version: strconv.FormatInt(version, 10)}, nil
}

// Put создаёт документ (expectedVersion == "") или обновляет его при совпадении версии.
func (s *PostgresStore) Put(ctx context.Context, key string, body []byte, expectedVersion string) (string, error) {
	key = cleanKey(key)

	if expectedVersion == "" {
		var version int64
		err := s.withRetry(ctx, func() error {
			return s.pool.QueryRow(ctx,
				`INSERT INTO ledger_documents (key, body) VALUES ($1, $2)
				 ON CONFLICT (key) DO NOTHING
				 RETURNING version`,
				key, body,
			).Scan(&version)
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation) {
				return "", ErrVersionConflict
			}
			return "", fmt.Errorf("insert document: %w", err)
		}
		return strconv.FormatInt(version, 10), nil
	}

	expected, err := strconv.ParseInt(expectedVersion, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed version %q", ErrVersionConflict, expectedVersion)
	}

	var version int64
	err = s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`UPDATE ledger_documents
			 SET body = $2, version = version + 1, updated_at = NOW()
			 WHERE key = $1 AND version = $3
			 RETURNING version`,
			key, body, expected,
		).Scan(&version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrVersionConflict
		}
		return "", fmt.Errorf("update document: %w", err)
	}

	return strconv.FormatInt(version, 10), nil
}

// List возвращает документы с ключами, начинающимися с prefix.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Document, error) {
	prefix = cleanKey(prefix)

	rows, err := s.pool.Query(ctx,
		`SELECT key, body, version
		 FROM ledger_documents
		 WHERE key LIKE $1
		 ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	var res []Document
	for rows.Next() {
		var (
			key     string
			body    []byte
			version int64
		)
		if err := rows.Scan(&key, &body, &version); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		res = append(res, Document{Key: key, Body: body, Version: strconv.FormatInt(version, 10)})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
