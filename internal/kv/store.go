// Package kv is the storage collaborator used by the router: field-keyed
// hashes for target records, atomic counters with expiry for daily accepts,
// and a notification channel for change propagation.
package kv

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks traffic-router/internal/kv Store,Subscription

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key or hash field does not exist.
var ErrNil = errors.New("kv: nil")

type Hash interface {
	HashSet(ctx context.Context, key, field, value string) error
	HashGet(ctx context.Context, key, field string) (string, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Counter operations are atomic per key. Incr and Decr create a missing key at 0
// before applying the delta.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type Notifier interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers payloads published on one channel.
type Subscription interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

type Store interface {
	Hash
	Counter
	Notifier
	Ping(ctx context.Context) error
	Close() error
}
