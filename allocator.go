// Package tcalloc implements a three-tier thread-caching memory
// allocator: a per-thread front-end object cache, a process-wide
// middle-end page heap organized as a segregated free list, and an
// OS-level back-end arena fed by anonymous demand-paged mappings,
// joined by a lock-free radix pagemap that lets any bound Cache free a
// pointer allocated by any other.
package tcalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"modernc.org/tcalloc/internal/diag"
)

// Allocator owns the three process-wide singletons described in spec.md
// §9: the bound-cache counter, the middle-end page heap, and the
// pagemap root. Bind a Cache from it per logical "thread" (goroutine
// that will subsequently call Alloc/Calloc/Realloc from itself alone).
type Allocator struct {
	opts Options

	mu     sync.Mutex
	caches []*Cache

	pages  pagemap
	ar     *arena
	midend *midend

	allocs uint64
	frees  uint64
}

// New creates an Allocator. The returned value's Bind method must be
// called once per logical thread before that thread allocates.
func New(opts Options) (*Allocator, error) {
	ar, err := newArena(0, opts)
	if err != nil {
		return nil, err
	}
	a := &Allocator{opts: opts, ar: ar}
	a.midend = newMidend(ar)
	return a, nil
}

// Bind registers a new per-thread cache, analogous to the source's
// _mmf_thread_init_metadata + init_single_heap called on a thread's
// first allocator entry. Returns ErrNoMemory once HardThreadLimit
// caches are bound.
func (a *Allocator) Bind() (*Cache, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.caches) >= a.opts.hardThreadLimit() {
		return nil, errNoMemory("Bind")
	}
	id := len(a.caches)
	c, err := newCache(id, a)
	if err != nil {
		return nil, err
	}
	a.caches = append(a.caches, c)
	return c, nil
}

// free resolves p through the pagemap: a hit pushes it back onto the
// owning superblock (safe from any goroutine per spec.md §4.1); a miss
// forwards to the middle-end, which owns anything the pagemap doesn't.
func (a *Allocator) free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := uintptr(p)
	if desc := a.pages.lookup(addr); desc != nil {
		idx := uint32((addr - desc.payload) / uintptr(desc.sizeClass))
		if err := desc.validateSlot(idx); err != nil {
			diag.Fatal("tcalloc: free: %s: slot index %d for %p\n", err.Error(), idx, addr)
		}
		desc.pushSlot(idx)
	} else {
		a.midend.returnBlock(p)
	}
	atomic.AddUint64(&a.frees, 1)
}

// usableSize recovers the payload capacity of a pointer previously
// returned by Alloc, consulting the pagemap for small-cached blocks (per
// spec.md §6's note on recovering old_payload_size without an in-band
// header) or the middle-end's boundary tag otherwise.
func (a *Allocator) usableSize(p unsafe.Pointer) int {
	addr := uintptr(p)
	if desc := a.pages.lookup(addr); desc != nil {
		return int(desc.sizeClass)
	}
	return a.midend.usableSize(p)
}

// Stats reports cumulative allocator counters, generalizing the
// allocs/bytes/mmaps counters the teacher package (cznic/memory) keeps
// on its Allocator struct across all three tiers.
type Stats struct {
	Allocs      uint64
	Frees       uint64
	ArenaUsage  int
	BoundCaches int
}

// Stats returns a snapshot of cumulative allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	n := len(a.caches)
	a.mu.Unlock()
	return Stats{
		Allocs:      atomic.LoadUint64(&a.allocs),
		Frees:       atomic.LoadUint64(&a.frees),
		ArenaUsage:  a.ar.currentUsage(),
		BoundCaches: n,
	}
}

// Close releases the arena reservation. Not necessary to call when
// exiting a process, mirroring the teacher package's Close doc comment.
func (a *Allocator) Close() error {
	return a.ar.release()
}

// Reset rewinds the back-end arena's bump pointer to the start of its
// reservation and reinitializes the middle-end and pagemap on top of it,
// per spec.md §4.4's reset operation. Every Cache bound before Reset
// holds superblocks describing memory Reset is about to hand out again;
// callers must not touch pointers obtained before a Reset afterward, and
// must re-Bind before allocating again.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ar.reset()
	a.midend = newMidend(a.ar)
	a.pages = pagemap{}
	a.caches = nil
	atomic.StoreUint64(&a.allocs, 0)
	atomic.StoreUint64(&a.frees, 0)
}

// defaultAllocator backs the package-level convenience functions below,
// for callers who want a drop-in malloc/free pair without managing an
// *Allocator themselves. The package level offers only DefaultCache,
// which binds a new Cache on every call, and Free; allocation always
// goes through a Cache obtained from DefaultCache.
var (
	defaultOnce sync.Once
	defaultA    *Allocator
)

func defaultAllocator() *Allocator {
	defaultOnce.Do(func() {
		a, err := New(Options{})
		if err != nil {
			panic("tcalloc: default allocator: " + err.Error())
		}
		defaultA = a
	})
	return defaultA
}

// DefaultCache binds and returns a new Cache from the package-level
// default Allocator. Each logical thread should call this once and
// reuse the result, exactly as with an explicit Allocator.
func DefaultCache() (*Cache, error) {
	return defaultAllocator().Bind()
}

// Free is a package-level convenience forwarding to the default
// Allocator's cross-thread-safe free path; it does not require a bound
// Cache.
func Free(p unsafe.Pointer) {
	defaultAllocator().free(p)
}
