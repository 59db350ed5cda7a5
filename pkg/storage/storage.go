package storage

import "context"

// Storage is a keyed arena of records with offset/limit listing. Callers own
// the concrete value types and type-assert on retrieval.
type Storage interface {
	Create(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	Update(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, offset, limit uint64) ([]any, uint64, error)
}
