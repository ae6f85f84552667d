// Package imgcache holds decoded, normalized page bitmaps keyed by page.
//
// A Cache decodes each page at most once at a time: concurrent requests for
// a missing key share one decode. Entries are kept until they are evicted by
// the optional FIFO bound, invalidated or cleared. Failed decodes are never
// cached.
package imgcache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kareteruhito/imgview/internal/diskcache"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/metrics"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/raster"
	"github.com/kareteruhito/imgview/internal/source"
)

// Entry is one cached page. Its bitmap is normalized and must not be modified.
type Entry struct {
	Key  string
	Page page.Descriptor
	raster.Bitmap
}

// Loader produces the raw bitmap of a page.
type Loader func(ctx context.Context, d page.Descriptor) (raster.Bitmap, error)

// Options configure a Cache.
type Options struct {
	// MaxEntries bounds the cache; inserting beyond it evicts the oldest
	// inserted entry. 0 means unbounded.
	MaxEntries int

	// Store is an optional persisted tier consulted before decoding and
	// filled after decoding.
	Store *diskcache.Store

	// Decode tunes the default loader.
	Decode raster.DecodeOptions

	// Loader replaces the default source loader.
	Loader Loader
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Decodes   int64
	Evictions int64
}

// Cache is a concurrency-safe decoded page cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*list.Element // values are *Entry
	order   *list.List               // insertion order, oldest at front
	max     int

	// gens counts invalidations per container. A fill started under an
	// older generation is not inserted.
	gens map[string]uint64

	inflight singleflight.Group
	store    *diskcache.Store
	load     Loader

	hits      atomic.Int64
	misses    atomic.Int64
	decodes   atomic.Int64
	evictions atomic.Int64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		gens:    make(map[string]uint64),
		max:     opts.MaxEntries,
		store:   opts.Store,
		load:    opts.Loader,
	}
	if c.load == nil {
		c.load = SourceLoader(opts.Decode)
	}
	return c
}

// SourceLoader returns a Loader that streams the page from its container
// and decodes it.
func SourceLoader(opts raster.DecodeOptions) Loader {
	return func(_ context.Context, d page.Descriptor) (raster.Bitmap, error) {
		rc, err := source.OpenEntry(d)
		if err != nil {
			return raster.Bitmap{}, err
		}
		defer rc.Close()
		return raster.Decode(rc, d.Path(), opts)
	}
}

// Get returns the cached entry for d, decoding it on a miss.
func (c *Cache) Get(d page.Descriptor) (*Entry, error) {
	return c.GetContext(context.Background(), d)
}

// GetContext is Get that stops waiting when ctx is done. A decode that is
// already running completes and is cached for later callers, unless its
// container is invalidated first.
func (c *Cache) GetContext(ctx context.Context, d page.Descriptor) (*Entry, error) {
	key := d.Key()
	if e := c.lookup(key); e != nil {
		c.hits.Add(1)
		metrics.RecordCacheLookup(true)
		return e, nil
	}
	c.misses.Add(1)
	metrics.RecordCacheLookup(false)

	gen := c.generation(d.Container)
	flight := key + "\x00" + strconv.FormatUint(gen, 10)
	ch := c.inflight.DoChan(flight, func() (interface{}, error) {
		// The previous flight may have inserted between our lookup and DoChan.
		if e := c.lookup(key); e != nil {
			return e, nil
		}
		return c.fill(context.WithoutCancel(ctx), key, gen, d)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

// fill loads d from the persisted tier or its source and inserts it. If the
// container was invalidated since gen, the result is returned to the waiting
// callers but neither cached nor persisted.
func (c *Cache) fill(ctx context.Context, key string, gen uint64, d page.Descriptor) (*Entry, error) {
	if c.store != nil {
		bm, ok, err := c.store.Load(ctx, key)
		if err != nil {
			logging.Warn("persisted page unreadable", logging.String("page", d.Path()), logging.Err(err))
		}
		if ok {
			e, _ := c.insert(&Entry{Key: key, Page: d, Bitmap: bm}, gen)
			return e, nil
		}
	}

	start := time.Now()
	raw, err := c.load(ctx, d)
	if err != nil {
		metrics.RecordDecode(time.Since(start), false)
		logging.Debug("decode failed", logging.String("page", d.Path()), logging.Err(err))
		return nil, err
	}
	bm := raster.Normalize(raw)
	c.decodes.Add(1)
	metrics.RecordDecode(time.Since(start), true)

	e, ok := c.insert(&Entry{Key: key, Page: d, Bitmap: bm}, gen)
	if !ok || c.store == nil {
		return e, nil
	}

	if err := c.store.Save(ctx, key, bm); err != nil {
		logging.Warn("persisting page failed", logging.String("page", d.Path()), logging.Err(err))
	}
	// An invalidation that ran during Save may have missed the new object.
	if c.generation(d.Container) != gen {
		if err := c.store.Remove(ctx, key); err != nil {
			logging.Warn("removing persisted page failed", logging.String("page", d.Path()), logging.Err(err))
		}
	}
	return e, nil
}

func (c *Cache) generation(container string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[container]
}

func (c *Cache) lookup(key string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if el, ok := c.entries[key]; ok {
		return el.Value.(*Entry)
	}
	return nil
}

// insert stores e, evicting the oldest entries beyond the bound. An entry
// already present under the key wins. Nothing is stored, and ok is false,
// when e's container was invalidated after generation gen.
func (c *Cache) insert(e *Entry, gen uint64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[e.Page.Container] != gen {
		logging.Debug("dropped stale page", logging.String("page", e.Page.Path()))
		return e, false
	}
	if el, ok := c.entries[e.Key]; ok {
		return el.Value.(*Entry), true
	}
	for c.max > 0 && c.order.Len() >= c.max {
		c.evictOldest()
	}
	c.entries[e.Key] = c.order.PushBack(e)
	metrics.SetCacheEntries(c.order.Len())
	return e, true
}

// evictOldest removes the earliest inserted entry.
// Must be called with lock held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := c.order.Remove(front).(*Entry)
	delete(c.entries, e.Key)
	c.evictions.Add(1)
	metrics.RecordEviction()
	logging.Debug("evicted page", logging.String("page", e.Page.Path()))
}

// Contains reports whether d is cached, without decoding.
func (c *Cache) Contains(d page.Descriptor) bool {
	return c.lookup(d.Key()) != nil
}

// Remove drops d from the cache. It reports whether d was cached.
func (c *Cache) Remove(d page.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[d.Key()]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, d.Key())
	metrics.SetCacheEntries(c.order.Len())
	return true
}

// Invalidate drops every cached page of container, including persisted
// copies, and returns how many memory entries were removed. Decodes of the
// container already in flight finish for their callers but are not cached.
func (c *Cache) Invalidate(container string) int {
	c.mu.Lock()
	c.gens[container]++
	var removed []string
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if e.Page.Container == container {
			c.order.Remove(el)
			delete(c.entries, e.Key)
			removed = append(removed, e.Key)
		}
		el = next
	}
	metrics.SetCacheEntries(c.order.Len())
	c.mu.Unlock()

	if c.store != nil {
		for _, key := range removed {
			if err := c.store.Remove(context.Background(), key); err != nil {
				logging.Warn("removing persisted page failed", logging.String("container", container), logging.Err(err))
			}
		}
	}
	if len(removed) > 0 {
		logging.Debug("invalidated container", logging.String("container", container), logging.Int("pages", len(removed)))
	}
	return len(removed)
}

// Clear drops every memory entry. The persisted tier is left alone.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	metrics.SetCacheEntries(0)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Keys returns cached keys, oldest first.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry).Key)
	}
	return keys
}

// Decodes returns how many pages were decoded from source.
func (c *Cache) Decodes() int64 { return c.decodes.Load() }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Decodes:   c.decodes.Load(),
		Evictions: c.evictions.Load(),
	}
}
