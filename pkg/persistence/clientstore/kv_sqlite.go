package clientstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteKV struct {
	db *sql.DB
}

var _ KV = &SQLiteKV{}

func NewSQLiteKV(dsn string) (*SQLiteKV, error) {
	if dsn == "" {
		return nil, errors.New("sqlite kv store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteKV{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("sqlite kv store: db is nil")
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "sqlite kv store: get %q", key)
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite kv store: db is nil")
	}
	if key == "" {
		return errors.New("sqlite kv store: key is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_kv (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	return errors.Wrapf(err, "sqlite kv store: set %q", key)
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite kv store: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_kv WHERE key = ?`, key)
	return errors.Wrapf(err, "sqlite kv store: delete %q", key)
}

func (s *SQLiteKV) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite kv store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS client_kv (
		  key TEXT PRIMARY KEY,
		  value TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite kv store: migrate")
		}
	}
	return nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite kv store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}
