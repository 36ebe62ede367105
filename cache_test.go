package tcalloc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(Options{ArenaSize: 64 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// TestSingleThreadMixedTrace is spec.md §8 scenario 1.
func TestSingleThreadMixedTrace(t *testing.T) {
	a := newTestAllocator(t)
	c, err := a.Bind()
	require.NoError(t, err)

	pa := c.Alloc(16)
	pb := c.Alloc(48)
	pc := c.Alloc(16)
	require.NotNil(t, pa)
	require.NotNil(t, pb)
	require.NotNil(t, pc)

	c.Free(pa)
	c.Free(pc)
	pd := c.Alloc(16)

	assert.Equal(t, pc, pd, "LIFO reuse should hand back the most recently freed slot")
	assert.NotEqual(t, pb, pd)
}

// TestCrossThreadFree is spec.md §8 scenario 2.
func TestCrossThreadFree(t *testing.T) {
	a := newTestAllocator(t)
	c1, err := a.Bind()
	require.NoError(t, err)

	p := c1.Alloc(128)
	require.NotNil(t, p)

	desc := a.pages.lookup(uintptr(p))
	require.NotNil(t, desc)
	before := desc.numAvailable

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.free(p)
	}()
	wg.Wait()

	assert.Equal(t, before+1, desc.numAvailable)

	q := c1.Alloc(128)
	assert.Equal(t, p, q)
	assert.Equal(t, before, desc.numAvailable)
}

// TestRefillAppendsSuperblock is spec.md §8 scenario 3.
func TestRefillAppendsSuperblock(t *testing.T) {
	a := newTestAllocator(t)
	c, err := a.Bind()
	require.NoError(t, err)

	h := c.header(classIndex(16))
	objs := int(h.objectsPerSB)

	var ptrs []unsafe.Pointer
	for i := 0; i < objs+1; i++ {
		p := c.Alloc(16)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}

	assert.EqualValues(t, 2, h.activeSBCount)

	for _, p := range ptrs {
		desc := a.pages.lookup(uintptr(p))
		assert.NotNil(t, desc, "every returned pointer's page must resolve through the pagemap")
	}
}

func TestAllocZeroIsNil(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	assert.Nil(t, c.Alloc(0))
}

func TestFreeNilIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	assert.NotPanics(t, func() { c.Free(nil) })
}

func TestAllocAtThresholdUsesCache(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()

	p := c.Alloc(SmallThreshold)
	require.NotNil(t, p)
	desc := a.pages.lookup(uintptr(p))
	assert.NotNil(t, desc, "exactly SmallThreshold bytes should be served from the cache")
}

func TestAllocAboveThresholdBypassesCache(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()

	p := c.Alloc(SmallThreshold + 1)
	require.NotNil(t, p)
	desc := a.pages.lookup(uintptr(p))
	assert.Nil(t, desc, "requests above SmallThreshold must forward to the middle-end")
}

// TestReallocGrowthAcrossThreshold is spec.md §8 scenario 5.
func TestReallocGrowthAcrossThreshold(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()

	p := c.Alloc(64)
	require.NotNil(t, p)
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	q := c.Realloc(p, 10000)
	require.NotNil(t, q)
	assert.NotEqual(t, p, q)

	qb := unsafe.Slice((*byte)(q), 64)
	for i := range qb {
		assert.Equal(t, byte(i), qb[i])
	}
}

func TestReallocNilIsAlloc(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	p := c.Realloc(nil, 32)
	assert.NotNil(t, p)
}

func TestReallocZeroIsFree(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	p := c.Alloc(32)
	require.NotNil(t, p)
	assert.Nil(t, c.Realloc(p, 0))
}

// TestCallocOverflow is spec.md §8 scenario 6.
func TestCallocOverflow(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	p := c.Calloc(int(^uint(0)>>1)/2, 4)
	assert.Nil(t, p)
}

func TestCallocZeroesMemory(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	p := c.Calloc(16, 8)
	require.NotNil(t, p)
	b := unsafe.Slice((*byte)(p), 128)
	for _, v := range b {
		assert.Zero(t, v)
	}
}

func TestClassSaturationReturnsNilWithoutCorruption(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.Bind()
	idx := classIndex(16)
	h := c.header(idx)

	// Exhaust every descriptor slot so the class is saturated.
	for {
		if !c.refill(idx) {
			break
		}
	}
	assert.Equal(t, uint16(sbInactiveEnd), h.sbInactiveHead)

	// The class is saturated but existing superblocks still have free
	// slots, so Alloc should still succeed until those drain; refill
	// itself must report failure without corrupting the ring.
	ok := c.refill(idx)
	assert.False(t, ok)
	assert.LessOrEqual(t, int(h.activeSBCount), MaxSBPerClass)
}
