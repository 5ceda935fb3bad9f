package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisStore is the Distributed tier backed by go-redis.
type RedisStore struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisStore(client redis.UniversalClient, invalidationChannel string) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{client: client, channel: invalidationChannel}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, err
	}
	ttl, err := ttlCmd.Result()
	if err != nil {
		return data, 0, nil
	}
	return data, ttl, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) SetMany(ctx context.Context, items []Item, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			pipe.Set(ctx, item.Key, item.Data, ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Keys walks the keyspace with SCAN so large keyspaces never block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) PublishInvalidation(ctx context.Context, keys []string) error {
	if s.channel == "" || len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

func (s *RedisStore) SubscribeInvalidation(ctx context.Context, fn func(keys []string)) error {
	if s.channel == "" {
		<-ctx.Done()
		return nil
	}
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var keys []string
			if err := json.Unmarshal([]byte(msg.Payload), &keys); err != nil {
				continue
			}
			fn(keys)
		}
	}
}

var (
	_ Distributed = (*RedisStore)(nil)
	_ Invalidator = (*RedisStore)(nil)
)
