package retrieval

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
)

// indexCache keeps loaded index handles. Index artifacts are immutable once
// a version is registered, so a cached handle never goes stale; eviction is
// purely for memory.
type indexCache struct {
	backend vectorstore.Backend
	lru     *lru.Cache[string, vectorstore.Index]
	loads   singleflight.Group
	timeout time.Duration
}

func newIndexCache(backend vectorstore.Backend, size int, timeout time.Duration) (*indexCache, error) {
	c, err := lru.New[string, vectorstore.Index](size)
	if err != nil {
		return nil, fmt.Errorf("creating index cache: %w", err)
	}
	return &indexCache{backend: backend, lru: c, timeout: timeout}, nil
}

// get returns the handle for id, loading it at most once across concurrent
// callers. The shared load is detached from the first caller's cancellation
// so one abandoned query cannot fail the others waiting on it.
func (c *indexCache) get(ctx context.Context, id string) (vectorstore.Index, error) {
	if idx, ok := c.lru.Get(id); ok {
		return idx, nil
	}

	ch := c.loads.DoChan(id, func() (any, error) {
		if idx, ok := c.lru.Get(id); ok {
			return idx, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		idx, err := c.backend.Load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		c.lru.Add(id, idx)
		return idx, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(vectorstore.Index), nil
	}
}

// evict drops id from the cache.
func (c *indexCache) evict(id string) {
	c.lru.Remove(id)
}

func (c *indexCache) size() int {
	return c.lru.Len()
}
