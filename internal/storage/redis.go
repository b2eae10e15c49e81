package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisKeyPrefix namespaces every bucket hash: fleet-risk:{bucket}.
const RedisKeyPrefix = "fleet-risk"

// RedisStore maps each bucket to one Redis hash.
type RedisStore struct {
	client *redis.Client
}

var _ KV = (*RedisStore)(nil)

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Int("db", db).Msg("Redis state store connected")
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) hash(bucket string) string {
	return RedisKeyPrefix + ":" + bucket
}

func (s *RedisStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.hash(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	return s.client.HSet(ctx, s.hash(bucket), key, value).Err()
}

func (s *RedisStore) Delete(ctx context.Context, bucket, key string) error {
	return s.client.HDel(ctx, s.hash(bucket), key).Err()
}

// Scan filters the bucket client-side; buckets hold one entry per position
// or instance, so they stay small.
func (s *RedisStore) Scan(ctx context.Context, bucket, prefix string, fn func(string, []byte) error) error {
	all, err := s.client.HGetAll(ctx, s.hash(bucket)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, []byte(all[k])); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
