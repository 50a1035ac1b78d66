// Package clientstore persists the small pieces of client state the viewer keeps across
// restarts: per-run cursors and follow-mode preferences.
package clientstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

// KV is a string key-value store. Implementations are safe for concurrent use.
type KV interface {
	timeline.KV
	Close() error
}

// Open returns a SQLite-backed store for a non-empty dsn and an in-memory store otherwise.
func Open(dsn string) (KV, error) {
	if dsn == "" {
		return NewInMemoryKV(), nil
	}
	return NewSQLiteKV(dsn)
}

type InMemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

var _ KV = &InMemoryKV{}

func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{values: map[string]string{}}
}

func (s *InMemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("in-memory kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *InMemoryKV) Set(_ context.Context, key, value string) error {
	if s == nil {
		return errors.New("in-memory kv store: nil store")
	}
	if key == "" {
		return errors.New("in-memory kv store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *InMemoryKV) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("in-memory kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *InMemoryKV) Close() error { return nil }
