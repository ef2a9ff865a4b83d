package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-security/customer-registry-service/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubFetcher counts fetches and can hold them open until released.
type stubFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{} // when set, fetches wait here
	done  chan struct{} // one send per completed fetch
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{done: make(chan struct{}, 64)}
}

func (f *stubFetcher) fetch(ctx context.Context, key Key) (*model.CustomerPage, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	gate := f.gate
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	defer func() { f.done <- struct{}{} }()
	if err != nil {
		return nil, err
	}
	return pageOfSize(n), nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// pageOfSize tags pages by fetch ordinal via TotalCount so tests can tell
// which fetch produced a served page.
func pageOfSize(n int) *model.CustomerPage {
	return &model.CustomerPage{
		Items:      []*model.Customer{{ID: uuid.New(), Status: model.StatusActive}},
		TotalCount: n,
	}
}

func newTestCache(f *stubFetcher, clock Clock) *ListCache {
	return NewListCache(f.fetch, Config{
		Window: 5 * time.Minute,
		Clock:  clock,
	})
}

func waitDone(t *testing.T, f *stubFetcher) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch to complete")
	}
}

// waitSettled blocks until the cache has finished processing a background
// refresh for key (fetch completion precedes state application).
func waitSettled(t *testing.T, c *ListCache, key Key, cond func(e *entry) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.entries[key]
		return ok && cond(e)
	}, 2*time.Second, 5*time.Millisecond)
}

var testKey = Key{Status: model.StatusActive, Limit: 50, Offset: 0}

func TestGet_FreshWindowSingleFetch(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()

	first, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	// Second read inside 80% of the window is served from memory.
	clock.Advance(3 * time.Minute)
	second, err := c.Get(ctx, testKey)
	require.NoError(t, err)

	assert.Equal(t, 1, f.callCount())
	assert.Same(t, first, second)
}

func TestGet_StaleServesImmediatelyAndRefreshesOnce(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	_, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	// 85% of the 5 minute window.
	clock.Advance(4*time.Minute + 15*time.Second)

	// Hold the background refresh open while ten readers come through.
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]*model.CustomerPage, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page, err := c.Get(ctx, testKey)
			assert.NoError(t, err)
			results[i] = page
		}(i)
	}
	wg.Wait()

	// Every reader got the stale value synchronously.
	for _, page := range results {
		require.NotNil(t, page)
		assert.Equal(t, 1, page.TotalCount)
	}

	close(gate)
	waitDone(t, f)
	waitSettled(t, c, testKey, func(e *entry) bool { return !e.refreshing })

	// Exactly one background refresh on top of the initial fetch.
	assert.Equal(t, 2, f.callCount())

	// The refreshed value is now served fresh.
	page, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 2, f.callCount())
}

func TestGet_ExpiredBlocksForFreshFetch(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	_, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	clock.Advance(6 * time.Minute)

	page, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 2, f.callCount())
}

func TestGet_GenerationGuardDiscardsStaleRefresh(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	_, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	clock.Advance(4*time.Minute + 15*time.Second)

	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	// Stale read kicks off a background refresh that we hold open.
	_, err = c.Get(ctx, testKey)
	require.NoError(t, err)

	// A write invalidates the key while the refresh is in flight.
	c.Invalidate(testKey)

	close(gate)
	waitDone(t, f)
	waitSettled(t, c, testKey, func(e *entry) bool { return !e.refreshing })

	// The slow refresh result must not repopulate the invalidated entry.
	c.mu.Lock()
	e := c.entries[testKey]
	assert.Nil(t, e.page)
	c.mu.Unlock()
}

func TestGet_BlockingFetchAfterInvalidation(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	_, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	c.InvalidateAll()

	page, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 2, f.callCount())
}

func TestGet_FailedBlockingFetchNoCacheIsTypedError(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	f.err = errors.New("connection refused")
	c := newTestCache(f, clock)

	_, err := c.Get(context.Background(), testKey)
	waitDone(t, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpstream)
}

func TestGet_FailedBlockingFetchServesExpiredEntry(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	first, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	clock.Advance(10 * time.Minute)
	f.mu.Lock()
	f.err = errors.New("connection refused")
	f.mu.Unlock()

	page, err := c.Get(ctx, testKey)
	waitDone(t, f)
	require.NoError(t, err)
	assert.Same(t, first, page, "last-known-good entry should keep serving")
}

func TestGet_FailedBackgroundRefreshKeepsServingStale(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	first, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)

	clock.Advance(4*time.Minute + 15*time.Second)
	f.mu.Lock()
	f.err = errors.New("timeout")
	f.mu.Unlock()

	page, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Same(t, first, page)
	waitDone(t, f)

	// Still stale-but-serving; the failure was silent.
	page, err = c.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Same(t, first, page)
}

func TestPrefetch_WarmsKeyBeforeFirstRead(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	c.Prefetch(testKey)
	waitDone(t, f)
	waitSettled(t, c, testKey, func(e *entry) bool { return e.page != nil })

	// The first read hits the warmed entry without fetching again.
	page, err := c.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, 1, f.callCount())
}

func TestPrefetch_SkipsFreshAndInFlightKeys(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	c.Prefetch(testKey)
	waitDone(t, f)
	waitSettled(t, c, testKey, func(e *entry) bool { return e.page != nil && !e.refreshing })

	// Fresh entry: nothing to do.
	c.Prefetch(testKey)
	assert.Equal(t, 1, f.callCount())

	// Stale entry with a held-open refresh: still only one in flight.
	clock.Advance(4*time.Minute + 30*time.Second)
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	c.Prefetch(testKey)
	c.Prefetch(testKey)
	c.Prefetch(testKey)

	close(gate)
	waitDone(t, f)
	assert.Equal(t, 2, f.callCount())
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	f := newStubFetcher()
	c := newTestCache(f, clock)

	ctx := context.Background()
	otherKey := Key{Status: model.StatusInactive, Limit: 50, Offset: 0}

	_, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)
	_, err = c.Get(ctx, otherKey)
	require.NoError(t, err)
	waitDone(t, f)

	assert.Equal(t, 2, f.callCount())

	c.Invalidate(testKey)

	// Only the invalidated key refetches.
	_, err = c.Get(ctx, otherKey)
	require.NoError(t, err)
	_, err = c.Get(ctx, testKey)
	require.NoError(t, err)
	waitDone(t, f)
	assert.Equal(t, 3, f.callCount())
}
