// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package accessor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/metrics"
)

// ErrCacheInconsistency is the sentinel behind CacheInconsistencyError.
var ErrCacheInconsistency = errors.New("accessor: cache inconsistent with coordination service")

// CacheInconsistencyError reports a cached entry whose version disagrees
// with the service.
type CacheInconsistencyError struct {
	Path   string
	Cached int32
	Actual int32
}

func (e *CacheInconsistencyError) Error() string {
	return fmt.Sprintf("%v: %s cached v%d, actual v%d", ErrCacheInconsistency, e.Path, e.Cached, e.Actual)
}

func (e *CacheInconsistencyError) Unwrap() error { return ErrCacheInconsistency }

// Stats holds cache counters.
type Stats struct {
	Hits            int64 // reads served from the cache
	Misses          int64 // reads that went to the service
	Sets            int64 // entries written after a successful write
	Resets          int64 // wholesale invalidations
	Inconsistencies int64 // version mismatches found by GetConsistent
	Size            int   // current number of entries
}

// Cached is a write-through cache over Base for the subtrees under its
// prefixes. Paths outside the prefixes pass straight through.
//
// Entries are only stored by the generation that read or wrote them, so a
// read in flight across Reset never repopulates the cache afterwards. In the
// same way, a read or write in flight across Invalidate or InvalidateTree is
// not stored for the invalidated paths.
type Cached struct {
	base     *Base
	prefixes []string
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*cluster.Record
	gen     uint64
	// seq counts invalidations. fences maps an invalidated subtree to the
	// seq that invalidated it; it is only kept while fills are in flight.
	seq      uint64
	fences   map[string]uint64
	inflight int

	group singleflight.Group

	stats struct {
		hits            atomic.Int64
		misses          atomic.Int64
		sets            atomic.Int64
		resets          atomic.Int64
		inconsistencies atomic.Int64
	}
}

// Option configures a Cached accessor.
type Option func(*Cached)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cached) { c.logger = l }
}

// NewCached wraps base, caching everything under the given path prefixes.
func NewCached(base *Base, prefixes []string, opts ...Option) *Cached {
	c := &Cached{
		base:     base,
		prefixes: append([]string(nil), prefixes...),
		logger:   log.WithComponent("accessor"),
		entries:  make(map[string]*cluster.Record),
		fences:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Base returns the uncached accessor.
func (c *Cached) Base() *Base { return c.base }

// Prefixes returns the cached subtrees.
func (c *Cached) Prefixes() []string { return append([]string(nil), c.prefixes...) }

func (c *Cached) cached(path string) bool {
	for _, p := range c.prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (c *Cached) lookup(path string) *cluster.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[path]
}

// fill identifies the cache state a read or write started from.
type fill struct {
	gen uint64
	seq uint64
}

// beginFill must be paired with endFill.
func (c *Cached) beginFill() fill {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	return fill{gen: c.gen, seq: c.seq}
}

func (c *Cached) endFill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		clear(c.fences)
	}
}

// fencedLocked reports whether path was invalidated after f started.
func (c *Cached) fencedLocked(f fill, path string) bool {
	for p, seq := range c.fences {
		if seq > f.seq && (path == p || strings.HasPrefix(path, p+"/")) {
			return true
		}
	}
	return false
}

// store records rec for path unless the cache was reset or path invalidated
// since f started, or the entry already holds a newer version.
func (c *Cached) store(f fill, path string, rec *cluster.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != f.gen || c.fencedLocked(f, path) {
		return false
	}
	if cur, ok := c.entries[path]; ok && cur.Version > rec.Version {
		return false
	}
	c.entries[path] = rec.Clone()
	return true
}

// Get returns the record at path, from the cache when possible.
func (c *Cached) Get(ctx context.Context, path string) (*cluster.Record, error) {
	if !c.cached(path) {
		return c.base.Get(ctx, path)
	}
	if rec := c.lookup(path); rec != nil {
		c.stats.hits.Add(1)
		metrics.RecordCacheEvent("hit")
		return rec.Clone(), nil
	}
	c.stats.misses.Add(1)
	metrics.RecordCacheEvent("miss")

	// Reads joining a shared fill must have started after the last
	// invalidation, or they could observe a record read before it.
	c.mu.RLock()
	key := strconv.FormatUint(c.gen, 10) + "|" + strconv.FormatUint(c.seq, 10) + "|" + path
	c.mu.RUnlock()
	v, err, _ := c.group.Do(key, func() (any, error) {
		f := c.beginFill()
		defer c.endFill()
		rec, err := c.base.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		c.store(f, path, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cluster.Record).Clone(), nil
}

// GetConsistent validates a cached entry against the service version before
// returning it. A mismatch is logged and counted, the entry is dropped and
// the record re-read.
func (c *Cached) GetConsistent(ctx context.Context, path string) (*cluster.Record, error) {
	if !c.cached(path) {
		return c.base.Get(ctx, path)
	}
	rec := c.lookup(path)
	if rec == nil {
		return c.Get(ctx, path)
	}
	ok, stat, err := c.base.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok && stat.Version == rec.Version {
		c.stats.hits.Add(1)
		metrics.RecordCacheEvent("hit")
		return rec.Clone(), nil
	}

	actual := int32(-1)
	if ok {
		actual = stat.Version
	}
	incErr := &CacheInconsistencyError{Path: path, Cached: rec.Version, Actual: actual}
	c.stats.inconsistencies.Add(1)
	metrics.RecordCacheEvent("inconsistency")
	c.logger.Warn().Err(incErr).Str(log.FieldPath, path).Msg("cache entry out of date, re-reading")

	c.Invalidate(path)
	if !ok {
		return nil, coord.ErrNoNode
	}
	return c.Get(ctx, path)
}

// Set writes rec through to the service, creating it when absent. The cache
// is updated only after the write succeeded.
func (c *Cached) Set(ctx context.Context, path string, rec *cluster.Record) error {
	f := c.beginFill()
	defer c.endFill()
	stat, err := c.base.Set(ctx, path, rec)
	if err != nil {
		return err
	}
	c.remember(f, path, rec, stat.Version)
	return nil
}

// Create writes a new record and caches it.
func (c *Cached) Create(ctx context.Context, path string, rec *cluster.Record, mode coord.CreateMode) error {
	f := c.beginFill()
	defer c.endFill()
	if err := c.base.Create(ctx, path, rec, mode); err != nil {
		return err
	}
	c.remember(f, path, rec, 0)
	return nil
}

// Update applies fn to the current record (nil when absent) and writes the
// result with an optimistic version check, retrying on conflicts.
func (c *Cached) Update(ctx context.Context, path string, fn func(cur *cluster.Record) (*cluster.Record, error)) error {
	const maxAttempts = 16
	for attempt := 0; attempt < maxAttempts; attempt++ {
		done, err := c.updateOnce(ctx, path, fn)
		if done || err != nil {
			return err
		}
	}
	return fmt.Errorf("update %s: too many concurrent modifications: %w", path, coord.ErrBadVersion)
}

// updateOnce makes one read-modify-write attempt; done is false when the
// write lost a race and should be retried.
func (c *Cached) updateOnce(ctx context.Context, path string, fn func(cur *cluster.Record) (*cluster.Record, error)) (done bool, err error) {
	f := c.beginFill()
	defer c.endFill()
	cur, err := c.Get(ctx, path)
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return false, err
	}
	next, err := fn(cur)
	if err != nil {
		return false, err
	}
	if cur == nil {
		err = c.base.Create(ctx, path, next, coord.Persistent)
		if errors.Is(err, coord.ErrNodeExists) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.remember(f, path, next, 0)
		return true, nil
	}
	stat, err := c.base.SetVersion(ctx, path, next, cur.Version)
	if errors.Is(err, coord.ErrBadVersion) || errors.Is(err, coord.ErrNoNode) {
		c.Invalidate(path)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.remember(f, path, next, stat.Version)
	return true, nil
}

func (c *Cached) remember(f fill, path string, rec *cluster.Record, version int32) {
	if !c.cached(path) {
		return
	}
	stored := rec.Clone()
	stored.Version = version
	if c.store(f, path, stored) {
		c.stats.sets.Add(1)
		metrics.RecordCacheEvent("set")
	}
}

// Remove deletes path recursively and drops cached entries below it.
func (c *Cached) Remove(ctx context.Context, path string) error {
	err := c.base.Remove(ctx, path)
	c.InvalidateTree(path)
	return err
}

func (c *Cached) Exists(ctx context.Context, path string) (bool, error) {
	ok, _, err := c.base.Exists(ctx, path)
	return ok, err
}

func (c *Cached) Children(ctx context.Context, path string) ([]string, error) {
	return c.base.Children(ctx, path)
}

// ChildRecords reads every child of path. Children removed between the list
// and the read are skipped.
func (c *Cached) ChildRecords(ctx context.Context, path string) ([]*cluster.Record, error) {
	names, err := c.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]*cluster.Record, 0, len(names))
	for _, name := range names {
		rec, err := c.Get(ctx, path+"/"+name)
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Invalidate drops one entry and keeps fills in flight from storing it.
func (c *Cached) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
	c.fenceLocked(path)
}

// InvalidateTree drops path and every entry below it, and keeps fills in
// flight from storing any of them.
func (c *Cached) InvalidateTree(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.entries {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(c.entries, p)
		}
	}
	c.fenceLocked(path)
}

func (c *Cached) fenceLocked(path string) {
	c.seq++
	if c.inflight > 0 {
		c.fences[path] = c.seq
	}
}

// Reset drops every entry and starts a new generation.
func (c *Cached) Reset() {
	c.mu.Lock()
	c.gen++
	c.entries = make(map[string]*cluster.Record)
	c.mu.Unlock()

	c.stats.resets.Add(1)
	metrics.RecordCacheEvent("reset")
}

// Stats returns cache counters.
func (c *Cached) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:            c.stats.hits.Load(),
		Misses:          c.stats.misses.Load(),
		Sets:            c.stats.sets.Load(),
		Resets:          c.stats.resets.Load(),
		Inconsistencies: c.stats.inconsistencies.Load(),
		Size:            size,
	}
}
