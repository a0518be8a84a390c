package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"traffic-router/internal/apperr"
	"traffic-router/internal/kv"
	"traffic-router/internal/observability"
)

const (
	acceptsKeyPrefix  = "accepts"
	DefaultCounterTTL = 24 * time.Hour
)

// DayKey is the UTC calendar date of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ExpiryError reports that an accept was counted but its counter expiry could not be set.
// The counter outlives its intended TTL; no accept is lost.
type ExpiryError struct {
	Key   string
	Count int64
	Err   error
}

func (e *ExpiryError) Error() string {
	return fmt.Sprintf("set expiry on %s (count %d): %v", e.Key, e.Count, e.Err)
}

func (e *ExpiryError) Unwrap() error { return e.Err }

// CapTracker keeps per-target daily accept counters in the store. It holds no
// counter state itself; every read and increment goes to the store.
type CapTracker struct {
	store kv.Counter
	ttl   time.Duration
}

func NewCapTracker(store kv.Counter, ttl time.Duration) *CapTracker {
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &CapTracker{store: store, ttl: ttl}
}

func acceptsKey(targetID, day string) string {
	return acceptsKeyPrefix + ":" + targetID + ":" + day
}

// CurrentCount returns the accepts recorded for targetID on day, 0 when none.
func (c *CapTracker) CurrentCount(ctx context.Context, targetID, day string) (int64, error) {
	v, err := c.store.Get(ctx, acceptsKey(targetID, day))
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	if err != nil {
		observability.StorageErrors.WithLabelValues("get").Inc()
		return 0, apperr.Storage("read accept count", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperr.Storage("malformed accept count", err)
	}
	return n, nil
}

func (c *CapTracker) UnderCap(ctx context.Context, targetID, day string, limit int64) (bool, error) {
	n, err := c.CurrentCount(ctx, targetID, day)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}

// RecordAccept increments the counter and refreshes its expiry. When only the
// expiry fails the count is returned together with an *ExpiryError.
func (c *CapTracker) RecordAccept(ctx context.Context, targetID, day string) (int64, error) {
	key := acceptsKey(targetID, day)
	n, err := c.store.Incr(ctx, key)
	if err != nil {
		observability.StorageErrors.WithLabelValues("incr").Inc()
		return 0, apperr.Storage("record accept", err)
	}
	if err := c.store.Expire(ctx, key, c.ttl); err != nil {
		observability.CounterExpiryFailures.Inc()
		return n, &ExpiryError{Key: key, Count: n, Err: err}
	}
	return n, nil
}

// Reserve takes one slot if the counter is within limit after incrementing, and
// rolls the increment back otherwise. Concurrent callers can never commit more
// than limit accepts between them.
func (c *CapTracker) Reserve(ctx context.Context, targetID, day string, limit int64) (bool, error) {
	n, err := c.RecordAccept(ctx, targetID, day)
	var expErr *ExpiryError
	if err != nil && !errors.As(err, &expErr) {
		return false, err
	}
	if n <= limit {
		return true, err
	}

	observability.CapRollbacks.Inc()
	if _, derr := c.store.Decr(ctx, acceptsKey(targetID, day)); derr != nil {
		observability.StorageErrors.WithLabelValues("decr").Inc()
		return false, apperr.Storage("roll back accept", derr)
	}
	return false, nil
}
