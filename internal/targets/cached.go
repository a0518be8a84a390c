package targets

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"traffic-router/internal/cache"
	"traffic-router/internal/observability"
)

// Lister is what the decision engine reads targets through.
type Lister interface {
	ListAll(ctx context.Context) ([]Target, error)
}

type listing struct {
	targets  []Target
	loadedAt time.Time
	gen      uint64
}

// CachedLister serves ListAll from a snapshot no older than ttl. Invalidate
// forces the next call to reload.
type CachedLister struct {
	src Lister
	ttl time.Duration
	now func() time.Time

	snap cache.Snapshot[listing]
	gen  atomic.Uint64
	mu   sync.Mutex // one reload at a time
}

func NewCachedLister(src Lister, ttl time.Duration) *CachedLister {
	return &CachedLister{src: src, ttl: ttl, now: time.Now}
}

func (c *CachedLister) ListAll(ctx context.Context) ([]Target, error) {
	if ts, ok := c.fresh(); ok {
		observability.TargetCacheLoads.WithLabelValues("hit").Inc()
		return ts, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.fresh(); ok {
		observability.TargetCacheLoads.WithLabelValues("hit").Inc()
		return ts, nil
	}

	observability.TargetCacheLoads.WithLabelValues("miss").Inc()
	gen := c.gen.Load()
	ts, err := c.src.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	// fresh rejects it if an invalidation raced with the load
	c.snap.Store(listing{targets: ts, loadedAt: c.now(), gen: gen})
	return slices.Clone(ts), nil
}

// Invalidate drops the cached listing. It matches the OnChange hook signature.
func (c *CachedLister) Invalidate(string) {
	c.gen.Add(1)
	c.snap.Clear()
}

func (c *CachedLister) fresh() ([]Target, bool) {
	l, ok := c.snap.Load()
	if !ok || l.gen != c.gen.Load() || c.now().Sub(l.loadedAt) >= c.ttl {
		return nil, false
	}
	return slices.Clone(l.targets), true
}
