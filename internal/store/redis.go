package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// decrIfAtLeast returns -1 when the current value is below n; budgets never go
// negative so the sentinel cannot collide with a real remainder.
var decrIfAtLeast = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if v < n then return -1 end
return redis.call('DECRBY', KEYS[1], n)
`)

func (s *RedisStore) DecrIfAtLeast(ctx context.Context, key string, n int64) (int64, error) {
	v, err := decrIfAtLeast.Run(ctx, s.client, []string{key}, n).Int64()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, ErrInsufficient
	}
	return v, nil
}

var decrJSONIntField = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -2 end
local obj = cjson.decode(raw)
local cur = tonumber(obj[ARGV[1]]) or 0
local n = tonumber(ARGV[2])
if cur < n then return -1 end
obj[ARGV[1]] = cur - n
redis.call('SET', KEYS[1], cjson.encode(obj), 'KEEPTTL')
return obj[ARGV[1]]
`)

var incrJSONIntField = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -2 end
local obj = cjson.decode(raw)
obj[ARGV[1]] = (tonumber(obj[ARGV[1]]) or 0) + tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(obj), 'KEEPTTL')
return obj[ARGV[1]]
`)

func (s *RedisStore) DecrJSONIntField(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := decrJSONIntField.Run(ctx, s.client, []string{key}, field, n).Int64()
	if err != nil {
		return 0, err
	}
	switch {
	case v == -2:
		return 0, ErrNotFound
	case v == -1:
		return 0, ErrInsufficient
	}
	return v, nil
}

func (s *RedisStore) IncrJSONIntField(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := incrJSONIntField.Run(ctx, s.client, []string{key}, field, n).Int64()
	if err != nil {
		return 0, err
	}
	if v == -2 {
		return 0, ErrNotFound
	}
	return v, nil
}

func (s *RedisStore) RPush(ctx context.Context, key, value string) error {
	return s.client.RPush(ctx, key, value).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}
