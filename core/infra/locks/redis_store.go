package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// RedisStore implements Store on Redis. Acquire, release, and renew run as
// Lua scripts so ownership checks and key writes are atomic.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store over an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire takes the exclusive lock for resource, or fails with ErrLockHeld.
// Re-acquiring with the same holder refreshes the TTL and returns a new token.
func (s *RedisStore) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	holder = strings.TrimSpace(holder)
	if resource == "" || holder == "" {
		return nil, fmt.Errorf("resource and holder required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)},
		holder,
		token,
		ttl.Milliseconds(),
		now.Unix(),
	).Result()
	if err != nil {
		return nil, err
	}
	payload, _ := res.(string)
	if payload == "" {
		return nil, ErrLockHeld
	}
	return parseLock(payload, resource)
}

// Release frees the lock if token proves ownership. Returns false when the
// lock is already gone or owned by someone else.
func (s *RedisStore) Release(ctx context.Context, resource, token string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	token = strings.TrimSpace(token)
	if resource == "" || token == "" {
		return false, fmt.Errorf("resource and token required")
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, token).Result()
	if err != nil {
		return false, err
	}
	released, _ := res.(int64)
	return released == 1, nil
}

// Renew extends the TTL if token proves ownership.
func (s *RedisStore) Renew(ctx context.Context, resource, token string, ttl time.Duration) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	token = strings.TrimSpace(token)
	if resource == "" || token == "" {
		return nil, fmt.Errorf("resource and token required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)},
		token,
		ttl.Milliseconds(),
		now.Unix(),
	).Result()
	if err != nil {
		return nil, err
	}
	payload, _ := res.(string)
	if payload == "" {
		return nil, ErrLockHeld
	}
	return parseLock(payload, resource)
}

// Get returns the current lock state, or nil when unlocked.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	payload, err := s.client.Get(ctx, lockKey(resource)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return parseLock(payload, resource)
}

type lockPayload struct {
	Holder    string `json:"holder"`
	Token     string `json:"token"`
	UpdatedAt int64  `json:"updated_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func parseLock(payload, resource string) (*Lock, error) {
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	lock := &Lock{
		Resource: resource,
		Holder:   decoded.Holder,
		Token:    decoded.Token,
	}
	if decoded.UpdatedAt > 0 {
		lock.UpdatedAt = time.Unix(decoded.UpdatedAt, 0).UTC()
	}
	if decoded.ExpiresAt > 0 {
		lock.ExpiresAt = time.Unix(decoded.ExpiresAt, 0).UTC()
	}
	return lock, nil
}

func lockKey(resource string) string {
	return "lock:" + resource
}

const acquireScript = `
local key = KEYS[1]
local holder = ARGV[1]
local token = ARGV[2]
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local payload = redis.call("GET", key)
if payload then
  local lock = cjson.decode(payload)
  if lock["holder"] ~= holder then
    return ""
  end
end
local lock = {holder = holder, token = token, updated_at = now, expires_at = now + math.floor(ttl/1000)}
local encoded = cjson.encode(lock)
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`

const releaseScript = `
local key = KEYS[1]
local token = ARGV[1]
local payload = redis.call("GET", key)
if not payload then
  return 0
end
local lock = cjson.decode(payload)
if lock["token"] ~= token then
  return 0
end
redis.call("DEL", key)
return 1
`

const renewScript = `
local key = KEYS[1]
local token = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lock = cjson.decode(payload)
if lock["token"] ~= token then
  return ""
end
lock["updated_at"] = now
lock["expires_at"] = now + math.floor(ttl/1000)
local encoded = cjson.encode(lock)
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`
