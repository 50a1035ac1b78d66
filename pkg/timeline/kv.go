package timeline

import "context"

// KV is the durable client storage used for per-run cursors and follow-mode preferences.
// Implementations live in pkg/persistence/clientstore.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
