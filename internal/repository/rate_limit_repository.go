package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stockauth/stockauth/internal/models"
)

const (
	fieldAttempts     = "attempts"
	fieldLastAttempt  = "last_attempt"
	fieldBlockedUntil = "blocked_until"
	fieldCreatedAt    = "created_at"
)

// All timestamps are unix milliseconds passed in from Go, so the scripts
// never read the Redis clock.

// KEYS[1] record; ARGV now, max attempts, reset window, blocked-until.
var recordAttemptScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local attempts = 0
if redis.call('EXISTS', key) == 0 then
	redis.call('HSET', key, 'created_at', ARGV[1])
else
	local last = tonumber(redis.call('HGET', key, 'last_attempt') or '0')
	if now - last > window then
		redis.call('HDEL', key, 'blocked_until')
	else
		attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
	end
end
attempts = attempts + 1
redis.call('HSET', key, 'attempts', attempts, 'last_attempt', ARGV[1])
if attempts >= limit then
	redis.call('HSET', key, 'blocked_until', ARGV[4])
	return {0, 1}
end
return {limit - attempts, 0}
`)

// KEYS[1] record; ARGV now, max attempts, reset window.
var remainingAttemptsScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if redis.call('EXISTS', key) == 0 then
	return limit
end
local last = tonumber(redis.call('HGET', key, 'last_attempt') or '0')
if now - last > window then
	redis.call('HSET', key, 'attempts', 0)
	redis.call('HDEL', key, 'blocked_until')
	return limit
end
local remaining = limit - tonumber(redis.call('HGET', key, 'attempts') or '0')
if remaining < 0 then
	remaining = 0
end
return remaining
`)

var resetAttemptsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'attempts', 0)
	redis.call('HDEL', KEYS[1], 'blocked_until')
end
return 1
`)

// RateLimitRepository keeps one Redis hash per (identifier, endpoint) and
// mutates it only through Lua scripts, which Redis runs atomically.
type RateLimitRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRateLimitRepository(client redis.UniversalClient, keyPrefix string) *RateLimitRepository {
	prefix := "ratelimit"
	if keyPrefix != "" {
		prefix = keyPrefix + ":ratelimit"
	}
	return &RateLimitRepository{client: client, prefix: prefix}
}

// BlockedUntil returns the block deadline, if one is set.
func (r *RateLimitRepository) BlockedUntil(ctx context.Context, identifier, endpoint string) (time.Time, bool, error) {
	ms, err := r.client.HGet(ctx, r.key(identifier, endpoint), fieldBlockedUntil).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis hget blocked_until: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// RecordAttempt adds a failed attempt and returns the attempts left and
// whether the pair is now blocked until now+blockFor.
func (r *RateLimitRepository) RecordAttempt(ctx context.Context, identifier, endpoint string, maxAttempts int, blockFor, window time.Duration, now time.Time) (int, bool, error) {
	res, err := recordAttemptScript.Run(ctx, r.client, []string{r.key(identifier, endpoint)},
		now.UnixMilli(),
		maxAttempts,
		window.Milliseconds(),
		now.Add(blockFor).UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis record attempt: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis record attempt: unexpected reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// RemainingAttempts clears stale history as a side effect when the last
// attempt is older than window.
func (r *RateLimitRepository) RemainingAttempts(ctx context.Context, identifier, endpoint string, maxAttempts int, window time.Duration, now time.Time) (int, error) {
	remaining, err := remainingAttemptsScript.Run(ctx, r.client, []string{r.key(identifier, endpoint)},
		now.UnixMilli(),
		maxAttempts,
		window.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis remaining attempts: %w", err)
	}
	return remaining, nil
}

func (r *RateLimitRepository) Reset(ctx context.Context, identifier, endpoint string) error {
	if err := resetAttemptsScript.Run(ctx, r.client, []string{r.key(identifier, endpoint)}).Err(); err != nil {
		return fmt.Errorf("redis reset attempts: %w", err)
	}
	return nil
}

func (r *RateLimitRepository) Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error) {
	values, err := r.client.HGetAll(ctx, r.key(identifier, endpoint)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall rate limit: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	record := &models.RateLimitRecord{Identifier: identifier, Endpoint: endpoint}

	if record.Attempts, err = strconv.Atoi(values[fieldAttempts]); err != nil {
		return nil, fmt.Errorf("parse attempts: %w", err)
	}
	if record.LastAttempt, err = parseMillis(values[fieldLastAttempt]); err != nil {
		return nil, fmt.Errorf("parse last_attempt: %w", err)
	}
	if record.CreatedAt, err = parseMillis(values[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if raw, ok := values[fieldBlockedUntil]; ok {
		until, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("parse blocked_until: %w", err)
		}
		record.BlockedUntil = &until
	}

	return record, nil
}

// Delete removes the records of identifier for the given endpoints and
// returns how many existed.
func (r *RateLimitRepository) Delete(ctx context.Context, identifier string, endpoints ...string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		keys = append(keys, r.key(identifier, endpoint))
	}

	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis delete rate limits: %w", err)
	}
	return int(n), nil
}

func (r *RateLimitRepository) key(identifier, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, endpoint, identifier)
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
