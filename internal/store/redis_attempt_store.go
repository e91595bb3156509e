package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrAttemptStoreUnavailable indicates the Redis counter backend is unreachable.
var ErrAttemptStoreUnavailable = errors.New("attempt store unavailable")

// The counter never climbs past ARGV[1] when it is positive, so repeated failures
// after a lockout keep reporting the limit instead of drifting upwards.
var cappedIncrementScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if limit <= 0 or current < limit then
  current = redis.call("INCR", KEYS[1])
end
return current
`)

// RedisAttemptStore keeps failed attempt counters in Redis. User status and the
// audit tables stay in the relational repository.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "securegate:attempts"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisAttemptStore{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (s *RedisAttemptStore) key(userID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, strings.TrimSpace(userID))
}

// GetAttempts returns the counter, treating a missing key as zero.
func (s *RedisAttemptStore) GetAttempts(ctx context.Context, userID string) (int, error) {
	count, err := s.client.Get(ctx, s.key(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrAttemptStoreUnavailable, err)
	}
	return int(count), nil
}

func (s *RedisAttemptStore) UpsertAttempts(ctx context.Context, userID string, count int) error {
	if count < 0 {
		count = 0
	}
	if err := s.client.Set(ctx, s.key(userID), count, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAttemptStoreUnavailable, err)
	}
	return nil
}

// IncrementAttempts adds one failure and returns the new count, capped at max.
func (s *RedisAttemptStore) IncrementAttempts(ctx context.Context, userID string, max int) (int, error) {
	raw, err := cappedIncrementScript.Run(ctx, s.client, []string{s.key(userID)}, max).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAttemptStoreUnavailable, err)
	}
	count, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis attempt counter type: %T", raw)
	}
	return int(count), nil
}

func (s *RedisAttemptStore) DeleteAttempts(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAttemptStoreUnavailable, err)
	}
	return nil
}
