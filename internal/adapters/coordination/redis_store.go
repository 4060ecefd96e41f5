package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	redisclient "github.com/zatekoja/enrichswarm/internal/infrastructure/clients/redis"
)

const maxUpdateAttempts = 16

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1]
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements the CoordinationStore interface using Redis
type RedisStore struct {
	client *redisclient.Client
}

// NewRedisStore creates a new Redis coordination store
func NewRedisStore(client *redisclient.Client) providers.CoordinationStore {
	return &RedisStore{
		client: client,
	}
}

// SetNX stores value only if key is absent
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Client().SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete removes key only while it holds value
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client.Client(), []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Get retrieves a value
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Client().Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores a value with expiration
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Client().Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Update runs fn under WATCH and retries when another writer changed the key
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn providers.UpdateFunc) (string, error) {
	rdb := s.client.Client()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var result string
		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			exists := true
			if err == redis.Nil {
				current, exists = "", false
			} else if err != nil {
				return err
			}

			next, err := fn(current, exists)
			if errors.Is(err, providers.ErrUpdateAborted) {
				result = current
				return nil
			}
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, key, next, ttl).Err()
			})
			if err == nil {
				result = next
			}
			return err
		}, key)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return "", fmt.Errorf("failed to update %s: %w", key, err)
	}

	return "", fmt.Errorf("failed to update %s: too many concurrent writers", key)
}

// Delete removes a key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Client().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	result, err := s.client.Client().Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", key, err)
	}
	return result > 0, nil
}

// Keys lists keys with the given prefix using SCAN
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Client().Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s*: %w", prefix, err)
	}
	return uniqueKeys(keys), nil
}

// uniqueKeys drops repeats in place, keeping first occurrences. SCAN may
// return a key more than once while the keyspace is rehashing.
func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
