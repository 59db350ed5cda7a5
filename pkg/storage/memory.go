package storage

import (
	"context"
	"sync"

	pkgerrors "github.com/absmach/flock/pkg/errors"
)

type inMemoryStorage struct {
	mu    sync.RWMutex
	data  map[string]any
	order []string
}

func NewInMemoryStorage() Storage {
	return &inMemoryStorage{
		data: make(map[string]any),
	}
}

func (s *inMemoryStorage) Create(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return pkgerrors.ErrEntityExists
	}

	s.data[key] = value
	s.order = append(s.order, key)

	return nil
}

func (s *inMemoryStorage) Get(_ context.Context, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}

	return value, nil
}

func (s *inMemoryStorage) Update(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return pkgerrors.ErrNotFound
	}

	s.data[key] = value

	return nil
}

func (s *inMemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return pkgerrors.ErrNotFound
	}

	delete(s.data, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}

	return nil
}

// List returns records in insertion order so pagination is stable.
func (s *inMemoryStorage) List(_ context.Context, offset, limit uint64) ([]any, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := uint64(len(s.order))
	if offset >= total {
		return []any{}, total, nil
	}

	end := offset + limit
	if limit == 0 || end > total {
		end = total
	}

	values := make([]any, 0, end-offset)
	for _, key := range s.order[offset:end] {
		values = append(values, s.data[key])
	}

	return values, total, nil
}
