package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// incrScript sets the ttl only when the counter has none yet, so a window
// is never extended by later increments.
var incrScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and redis.call("PTTL", KEYS[1]) == -1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`)

type RedisStorage struct {
	rdb redis.UniversalClient
}

func (s *RedisStorage) Conn() redis.UniversalClient {
	return s.rdb
}

func ttl(expiresIn time.Duration) time.Duration {
	if expiresIn <= 0 {
		return 0
	}
	return expiresIn
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStorage) Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	return s.rdb.Set(ctx, key, val, ttl(expiresIn)).Err()
}

func (s *RedisStorage) SetNX(ctx context.Context, key string, val []byte, expiresIn time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, val, ttl(expiresIn)).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStorage) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

func (s *RedisStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	return s.rdb.ExpireAt(ctx, key, expiresAt).Err()
}

func (s *RedisStorage) Incr(ctx context.Context, key string, delta int64, expiresIn time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.rdb, []string{key}, delta, ttl(expiresIn).Milliseconds()).Int64()
}

func (s *RedisStorage) SetAttr(ctx context.Context, key, field string, val []byte) error {
	return s.rdb.HSet(ctx, key, field, val).Err()
}

func (s *RedisStorage) GetAttrs(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	attrs := make(map[string][]byte, len(vals))
	for field, val := range vals {
		attrs[field] = []byte(val)
	}
	return attrs, nil
}

func (s *RedisStorage) DelAttr(ctx context.Context, key, field string) (bool, error) {
	deleted, err := s.rdb.HDel(ctx, key, field).Result()
	return deleted == 1, err
}

func (s *RedisStorage) CountAttrs(ctx context.Context, key string) (int64, error) {
	return s.rdb.HLen(ctx, key).Result()
}

func (s *RedisStorage) ReplaceAttrs(ctx context.Context, key string, fields map[string][]byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) == 0 {
			return nil
		}
		values := make(map[string]any, len(fields))
		for field, val := range fields {
			values[field] = val
		}
		pipe.HSet(ctx, key, values)
		return nil
	})
	return err
}

func (s *RedisStorage) SlideWindow(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	cutoff := at.Add(-window).UnixMilli()
	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisStorage) PushCapped(ctx context.Context, key string, val []byte, maxLen int) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, val)
		pipe.LTrim(ctx, key, 0, int64(maxLen-1))
		return nil
	})
	return err
}

func (s *RedisStorage) Range(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	items := make([][]byte, len(vals))
	for i, val := range vals {
		items[i] = []byte(val)
	}
	return items, nil
}

func scanKeys(ctx context.Context, client redis.UniversalClient, pattern string) ([]string, error) {
	var keys []string
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := prefix + "*"
	cluster, ok := s.rdb.(*redis.ClusterClient)
	if !ok {
		return scanKeys(ctx, s.rdb, pattern)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		nodeKeys, err := scanKeys(ctx, node, pattern)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, nodeKeys...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func NewRedisStorage(db redis.UniversalClient) *RedisStorage {
	return &RedisStorage{
		rdb: db,
	}
}
