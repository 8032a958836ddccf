package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/antimoltbook/verifier/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// Store implements store.Interface on top of a valkey (or redis) server. It
// is the backend to use when several verifier replicas share state.
type Store struct {
	rdb *valkey.Client
}

func notFound(err error) bool {
	return valkey.HasErrorPrefix(err, "redis: nil")
}

// Claim maps to SET NX, which the server applies atomically across every
// connected replica.
func (s *Store) Claim(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, key, string(value), expiry).Result()
	if err != nil {
		return fmt.Errorf("can't claim %q in valkey: %w", key, err)
	}

	if !ok {
		return fmt.Errorf("%w: %q", store.ErrExists, key)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if err := s.rdb.Set(ctx, key, string(value), expiry).Err(); err != nil {
		return fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return nil
}
