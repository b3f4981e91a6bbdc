package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// casScript implements compare-and-swap atomically: if the key is
// absent and expected is empty, or the stored value equals expected,
// write new with the given ttl (seconds, 0 for none). Returns 1 on
// success, 0 on conflict.
const casScript = `
local cur = redis.call("GET", KEYS[1])
if cur == false then
  if ARGV[1] ~= "" then
    return 0
  end
else
  if cur ~= ARGV[2] then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[4], "EX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[4])
end
return 1
`

// Redis is a State Store backend over go-redis/v9, modeled on
// evalgo-org-eve's RedisRepository (SetNX-based locks, TTL cache,
// counters). CAS is implemented with a Lua script for atomicity; incr
// uses INCR+EXPIRE; lists use RPUSH and a drain-then-delete pipeline.
type Redis struct {
	client *redis.Client
	cas    *redis.Script
}

// NewRedis connects to url (a redis:// connection string) the same way
// evalgo-org-eve's NewRedisRepository does.
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, cas: redis.NewScript(casScript)}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	if err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	return nil
}

func (r *Redis) CAS(ctx context.Context, key string, expected, new []byte, ttl time.Duration) error {
	expectedArg := string(expected)
	secs := int64(ttl / time.Second)
	res, err := r.cas.Run(ctx, r.client, []string{key}, expectedArg, expectedArg, secs, string(new)).Int()
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	if res == 0 {
		return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window, "NX")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	return incr.Val(), nil
}

func (r *Redis) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	var keys []string
	cur := uint64(0)
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &cur)
	}
	var nextCur uint64
	var err error
	keys, nextCur, err = r.client.Scan(ctx, cur, prefix+"*", int64(limit)).Result()
	if err != nil {
		return nil, "", &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	next := ""
	if nextCur != 0 {
		next = fmt.Sprintf("%d", nextCur)
	}
	return keys, next, nil
}

func (r *Redis) PushTail(ctx context.Context, key string, item []byte, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, item)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	return nil
}

func (r *Redis) Drain(ctx context.Context, key string) ([][]byte, error) {
	pipe := r.client.TxPipeline()
	rng := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "redis", Err: err}
	}
	vals := rng.Val()
	items := make([][]byte, len(vals))
	for i, v := range vals {
		items[i] = []byte(v)
	}
	return items, nil
}
