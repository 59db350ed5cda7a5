package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/absmach/flock/pkg/errors"
)

// redisStorage keeps records of a single concrete type T in Redis so they
// survive process restarts. Values are JSON-encoded under prefix:key.
type redisStorage[T any] struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage[T any](client *redis.Client, prefix string) Storage {
	return &redisStorage[T]{
		client: client,
		prefix: prefix,
	}
}

// NewRedisClient connects to a Redis URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func (s *redisStorage[T]) key(key string) string {
	return s.prefix + ":" + key
}

func (s *redisStorage[T]) Create(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.ErrEntityExists
	}

	return nil
}

func (s *redisStorage[T]) Get(ctx context.Context, key string) (any, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	return value, nil
}

func (s *redisStorage[T]) Update(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	ok, err := s.client.SetXX(ctx, s.key(key), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.ErrNotFound
	}

	return nil
}

func (s *redisStorage[T]) Delete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return pkgerrors.ErrNotFound
	}

	return nil
}

// List scans all records under the prefix and pages over them in key order.
// Intended for small sets such as reputation records, not bulk data.
func (s *redisStorage[T]) List(ctx context.Context, offset, limit uint64) ([]any, uint64, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, 0, err
	}
	sort.Strings(keys)

	total := uint64(len(keys))
	if offset >= total {
		return []any{}, total, nil
	}

	end := offset + limit
	if limit == 0 || end > total {
		end = total
	}

	values := make([]any, 0, end-offset)
	for _, key := range keys[offset:end] {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, 0, fmt.Errorf("failed to decode record: %w", err)
		}
		values = append(values, value)
	}

	return values, total, nil
}
