package tcalloc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndClose(t *testing.T) {
	a, err := New(Options{ArenaSize: 16 << 20})
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestBindAssignsDistinctIDs(t *testing.T) {
	a := newTestAllocator(t)
	c1, err := a.Bind()
	require.NoError(t, err)
	c2, err := a.Bind()
	require.NoError(t, err)
	assert.NotEqual(t, c1.id, c2.id)
}

func TestBindRespectsHardThreadLimit(t *testing.T) {
	a, err := New(Options{ArenaSize: 16 << 20, HardThreadLimit: 2})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.Bind()
	require.NoError(t, err)
	_, err = a.Bind()
	require.NoError(t, err)

	_, err = a.Bind()
	require.Error(t, err)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, ErrNoMemory, tErr.Kind)
}

func TestStatsReportsBoundCachesAndArenaUsage(t *testing.T) {
	a := newTestAllocator(t)
	before := a.Stats()
	assert.Zero(t, before.BoundCaches)

	c, err := a.Bind()
	require.NoError(t, err)
	p := c.Alloc(64)
	require.NotNil(t, p)

	after := a.Stats()
	assert.Equal(t, 1, after.BoundCaches)
	assert.Greater(t, after.ArenaUsage, before.ArenaUsage)
}

// TestMultipleCachesIndependentFastPaths exercises allocation across
// several bound caches sharing the single process-wide middle-end and
// arena (spec.md §9's canonical shared-heap design), confirming distinct
// caches never hand out overlapping payload ranges.
func TestMultipleCachesIndependentFastPaths(t *testing.T) {
	a := newTestAllocator(t)
	const n = 8
	caches := make([]*Cache, n)
	for i := range caches {
		c, err := a.Bind()
		require.NoError(t, err)
		caches[i] = c
	}

	seen := map[uintptr]bool{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range caches {
		wg.Add(1)
		go func(c *Cache) {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				p := c.Alloc(32)
				if !assert.NotNil(t, p) {
					continue
				}
				mu.Lock()
				assert.False(t, seen[uintptr(p)], "two caches returned the same address")
				seen[uintptr(p)] = true
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
}

// TestCrossCacheFreeThroughPagemap binds two caches and frees cache A's
// allocation via the Allocator.free method as if called from
// cache B's goroutine, validating the pagemap correctly routes the free
// back to A's superblock regardless of which cache issues the call.
func TestCrossCacheFreeThroughPagemap(t *testing.T) {
	a := newTestAllocator(t)
	cA, err := a.Bind()
	require.NoError(t, err)
	_, err = a.Bind()
	require.NoError(t, err)

	p := cA.Alloc(48)
	require.NotNil(t, p)
	desc := a.pages.lookup(uintptr(p))
	require.NotNil(t, desc)
	before := desc.numAvailable

	a.free(p)
	assert.Equal(t, before+1, desc.numAvailable)
}

func TestUsableSizeSmallAndLarge(t *testing.T) {
	a := newTestAllocator(t)
	c, err := a.Bind()
	require.NoError(t, err)

	small := c.Alloc(40)
	require.NotNil(t, small)
	assert.EqualValues(t, 48, a.usableSize(small))

	large := c.Alloc(20000)
	require.NotNil(t, large)
	assert.GreaterOrEqual(t, a.usableSize(large), 20000)
}

func TestDefaultCacheRoundTrip(t *testing.T) {
	c, err := DefaultCache()
	require.NoError(t, err)
	p := c.Alloc(64)
	require.NotNil(t, p)
	Free(p)
}

func TestAllocatorFreeNilIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	assert.NotPanics(t, func() { a.free(nil) })
}

func TestConcurrentAllocFreeStress(t *testing.T) {
	a := newTestAllocator(t)
	c, err := a.Bind()
	require.NoError(t, err)

	var ptrs []unsafe.Pointer
	for i := 0; i < 500; i++ {
		p := c.Alloc(64)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}

	var wg sync.WaitGroup
	for _, p := range ptrs {
		wg.Add(1)
		go func(p unsafe.Pointer) {
			defer wg.Done()
			a.free(p)
		}(p)
	}
	wg.Wait()

	stats := a.Stats()
	assert.Equal(t, 1, stats.BoundCaches)
}
