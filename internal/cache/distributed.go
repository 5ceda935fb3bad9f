package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Distributed store when the key is absent.
var ErrMiss = errors.New("cache: miss")

type Item struct {
	Key  string
	Data []byte
}

// Distributed is the shared second tier. Keys passed in are already namespaced.
type Distributed interface {
	// Get returns the value and its remaining ttl; a non-positive ttl means no expiry.
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// SetMany writes every item in one round trip.
	SetMany(ctx context.Context, items []Item, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Invalidator lets peers drop local copies of keys deleted elsewhere.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, keys []string) error
	// SubscribeInvalidation blocks, calling fn per message, until ctx is done.
	SubscribeInvalidation(ctx context.Context, fn func(keys []string)) error
}
