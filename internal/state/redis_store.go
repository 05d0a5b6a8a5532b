package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatwatch/internal/config"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// recordScript prunes, appends unique members, refreshes expiry, and counts.
// KEYS[1]=counter; ARGV: cutoff_ms, at_ms, hits, width_ms, member_prefix.
var recordScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for i = 1, tonumber(ARGV[3]) do
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('ZCARD', KEYS[1])
`)

// reserveScript checks mute flag and every budget, then adds token everywhere.
// KEYS[1]=mute flag, KEYS[2..]=budgets; ARGV: at_ms, token, then width_ms/limit per budget.
// Returns 0 granted, 1 denied, 2 muted.
var reserveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == '1' then
  return 2
end
local at = tonumber(ARGV[1])
for j = 1, #KEYS - 1 do
  local width = tonumber(ARGV[2 * j + 1])
  local limit = tonumber(ARGV[2 * j + 2])
  redis.call('ZREMRANGEBYSCORE', KEYS[j + 1], '-inf', '(' .. (at - width))
  if redis.call('ZCARD', KEYS[j + 1]) >= limit then
    return 1
  end
end
for j = 1, #KEYS - 1 do
  redis.call('ZADD', KEYS[j + 1], at, ARGV[2])
  redis.call('PEXPIRE', KEYS[j + 1], ARGV[2 * j + 1])
end
return 0
`)

// RedisStore persists shared state in Redis sorted sets scored by unix milliseconds.
// Params: Redis client and key prefix.
// Returns: Redis-backed state store implementation.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies reachability.
// Params: Redis settings and key prefix namespace.
// Returns: initialized Redis store or connection error.
func NewRedisStore(cfg config.RedisStateConfig, keyPrefix string) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "chatwatch"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis state: %w", err)
	}
	return &RedisStore{client: client, prefix: strings.TrimSpace(keyPrefix)}, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// RecordHits prunes counter set and appends hit members atomically.
// Params: counter key, record time, hit count, and window width.
// Returns: window count after append.
func (s *RedisStore) RecordHits(ctx context.Context, key string, at time.Time, hits int, window time.Duration) (int, error) {
	atMS := at.UnixMilli()
	count, err := recordScript.Run(ctx, s.client, []string{s.key(key)},
		atMS-window.Milliseconds(),
		atMS,
		hits,
		window.Milliseconds(),
		strconv.FormatInt(atMS, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("record hits %q: %w", key, err)
	}
	return count, nil
}

// ClearCounter deletes one counter set.
func (s *RedisStore) ClearCounter(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("clear counter %q: %w", key, err)
	}
	return nil
}

// ClearAll deletes every counter and budget set under prefix.
// Params: none.
// Returns: scan/delete error.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	for _, pattern := range []string{s.key("counter/*"), s.key("budget/*")} {
		iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
		batch := make([]string, 0, 64)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := s.client.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("delete keys: %w", err)
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %q: %w", pattern, err)
		}
		if len(batch) > 0 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
	}
	return nil
}

// Reserve runs atomic reservation script over all claims.
// Params: claims, reservation token, and reservation time.
// Returns: muted, denied, or granted verdict.
func (s *RedisStore) Reserve(ctx context.Context, claims []Claim, token string, at time.Time) (Verdict, error) {
	keys := make([]string, 0, len(claims)+1)
	keys = append(keys, s.key(MuteKey))
	args := make([]any, 0, 2+2*len(claims))
	args = append(args, at.UnixMilli(), token)
	for _, claim := range claims {
		keys = append(keys, s.key(claim.Key))
		args = append(args, claim.Window.Milliseconds(), claim.Limit)
	}
	code, err := reserveScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}
	switch code {
	case 0:
		return VerdictGranted, nil
	case 1:
		return VerdictDenied, nil
	case 2:
		return VerdictMuted, nil
	default:
		return "", fmt.Errorf("reserve: unexpected script result %d", code)
	}
}

// Rollback removes reservation token from budget sets.
// Params: budget keys and reservation token.
// Returns: pipeline error.
func (s *RedisStore) Rollback(ctx context.Context, keys []string, token string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.ZRem(ctx, s.key(key), token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// SetMuted writes or clears global mute flag.
func (s *RedisStore) SetMuted(ctx context.Context, muted bool) error {
	var err error
	if muted {
		err = s.client.Set(ctx, s.key(MuteKey), "1", 0).Err()
	} else {
		err = s.client.Del(ctx, s.key(MuteKey)).Err()
	}
	if err != nil {
		return fmt.Errorf("set mute flag: %w", err)
	}
	return nil
}

// Muted reads global mute flag.
func (s *RedisStore) Muted(ctx context.Context) (bool, error) {
	value, err := s.client.Get(ctx, s.key(MuteKey)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get mute flag: %w", err)
	}
	return value == "1", nil
}

// MarkSeen sets seen key only when absent.
// Params: event id and entry lifetime.
// Returns: true when id was not seen within TTL.
func (s *RedisStore) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	created, err := s.client.SetNX(ctx, s.key("seen/"+eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return created, nil
}

// Sweep is a no-op: Redis expires keys and scripts prune on access.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close closes Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
