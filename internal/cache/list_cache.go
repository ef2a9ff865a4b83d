// Package cache keeps recently served customer list pages in memory so
// repeated reads avoid redundant store round trips. Each key moves through
// empty -> fresh -> stale-but-serving -> refreshing -> fresh; an expired
// entry blocks the next reader for a full fetch. Explicit invalidation
// bumps a per-key generation counter so a slow in-flight refresh can never
// overwrite newer state.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veridian-security/customer-registry-service/internal/model"
	"github.com/veridian-security/customer-registry-service/internal/monitoring"
)

// Defaults mirror the reference behavior: five minute freshness window,
// background refresh from 80% of the window, 30s fetch bound so a slow
// store fails fast and the stale value keeps serving.
const (
	DefaultWindow          = 5 * time.Minute
	DefaultRefreshFraction = 0.8
	DefaultFetchTimeout    = 30 * time.Second
)

// Key identifies one cached list page.
type Key struct {
	Status string
	Limit  int
	Offset int
}

func (k Key) String() string {
	return fmt.Sprintf("customers:%s:%d:%d", k.Status, k.Limit, k.Offset)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Fetcher loads a page from the backing store.
type Fetcher func(ctx context.Context, key Key) (*model.CustomerPage, error)

// Config tunes a ListCache. Zero values take the defaults above.
type Config struct {
	Window          time.Duration
	RefreshFraction float64
	FetchTimeout    time.Duration
	Clock           Clock
}

type entry struct {
	page       *model.CustomerPage
	fetchedAt  time.Time
	generation uint64
	refreshing bool
}

// ListCache is an explicit cache object injected into request handlers;
// it owns all list-page state and the background refresher.
type ListCache struct {
	mu      sync.Mutex
	entries map[Key]*entry

	fetch           Fetcher
	clock           Clock
	window          time.Duration
	refreshFraction float64
	fetchTimeout    time.Duration
}

func NewListCache(fetch Fetcher, cfg Config) *ListCache {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RefreshFraction <= 0 || cfg.RefreshFraction >= 1 {
		cfg.RefreshFraction = DefaultRefreshFraction
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &ListCache{
		entries:         make(map[Key]*entry),
		fetch:           fetch,
		clock:           cfg.Clock,
		window:          cfg.Window,
		refreshFraction: cfg.RefreshFraction,
		fetchTimeout:    cfg.FetchTimeout,
	}
}

func (c *ListCache) ensureEntry(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Get serves the page for key. Fresh entries are served from memory; an
// entry past the refresh threshold is served immediately while at most one
// background refresh runs; empty or expired entries block for a fetch.
func (c *ListCache) Get(ctx context.Context, key Key) (*model.CustomerPage, error) {
	c.mu.Lock()
	e := c.ensureEntry(key)

	if e.page != nil {
		age := c.clock.Now().Sub(e.fetchedAt)
		switch {
		case age < time.Duration(float64(c.window)*c.refreshFraction):
			page := e.page
			c.mu.Unlock()
			monitoring.ListCacheRequests.WithLabelValues("fresh").Inc()
			return page, nil

		case age < c.window:
			page := e.page
			if !e.refreshing {
				e.refreshing = true
				go c.refresh(key, e.generation)
			}
			c.mu.Unlock()
			monitoring.ListCacheRequests.WithLabelValues("stale_serving").Inc()
			return page, nil

		default:
			monitoring.ListCacheRequests.WithLabelValues("expired").Inc()
		}
	} else {
		monitoring.ListCacheRequests.WithLabelValues("miss").Inc()
	}

	gen := e.generation
	stale := e.page
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := c.clock.Now()
	page, err := c.fetch(fetchCtx, key)
	monitoring.ListFetchDuration.Observe(c.clock.Now().Sub(start).Seconds())
	if err != nil {
		if stale != nil {
			// Store unreachable: last-known-good beats a blank view.
			log.Warn().Err(err).Str("key", key.String()).
				Msg("Blocking list fetch failed, serving expired entry")
			return stale, nil
		}
		monitoring.UpstreamAlert("customer list fetch failed", map[string]string{"key": key.String()})
		return nil, fmt.Errorf("listCache.Get %s: %w: %v", key, model.ErrUpstream, err)
	}

	c.mu.Lock()
	e = c.ensureEntry(key)
	if e.generation == gen {
		e.page = page
		e.fetchedAt = c.clock.Now()
	}
	c.mu.Unlock()

	return page, nil
}

// refresh runs in the background holding no lock across the fetch. The
// result is applied only when the captured generation still matches, so
// a write that invalidated the key mid-flight wins.
func (c *ListCache) refresh(key Key, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	page, err := c.fetch(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureEntry(key)
	e.refreshing = false

	if err != nil {
		// Silent to callers: the stale entry keeps serving until it expires.
		monitoring.ListCacheRefreshes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("key", key.String()).Msg("Background list refresh failed")
		return
	}
	if e.generation != gen {
		monitoring.ListCacheRefreshes.WithLabelValues("discarded").Inc()
		log.Debug().Str("key", key.String()).Msg("Discarding stale refresh result")
		return
	}

	e.page = page
	e.fetchedAt = c.clock.Now()
	monitoring.ListCacheRefreshes.WithLabelValues("ok").Inc()
}

// Prefetch warms keys before the first read, typically at startup, so the
// first user-visible request is more likely to hit fresh. At most one
// in-flight fetch per key, shared with the refresh path.
func (c *ListCache) Prefetch(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		e := c.ensureEntry(key)
		if e.refreshing {
			continue
		}
		if e.page != nil && c.clock.Now().Sub(e.fetchedAt) < time.Duration(float64(c.window)*c.refreshFraction) {
			continue
		}
		e.refreshing = true
		go c.refresh(key, e.generation)
	}
}

// Invalidate drops one key and bumps its generation so any in-flight
// refresh result for it is discarded.
func (c *ListCache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureEntry(key)
	e.generation++
	e.page = nil
}

// InvalidateAll drops every cached page; called after any customer write,
// since a single-row change can move rows across pages and filters.
func (c *ListCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.generation++
		e.page = nil
	}
}
