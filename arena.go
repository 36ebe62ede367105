package tcalloc

import "sync"

// arena is the back-end: a single large virtual region reserved up
// front with extend handing out byte ranges by bumping a pointer and
// lazily committing pages via mprotect. Grounded on
// original_source/src/mm-backend.c. The canonical thread-caching design
// uses one central arena behind the one central midend (spec.md §4.3's
// "canonical design uses one central page heap guarded by a mutex"); the
// per-thread-arena variant is the vestigial single-lock design noted in
// spec.md §9.
type arena struct {
	mu        sync.Mutex
	heapStart uintptr
	bmp       uintptr
	bmpChunk  uintptr
	maxAddr   uintptr
	hugePages bool
}

func newArena(hintSlot int, opts Options) (*arena, error) {
	size := opts.arenaSize()
	hint := uintptr(hintSlot+1) * TryAllocStart
	addr, err := mmapReserve(hint, size, opts.TryHugePages)
	if err != nil {
		addr, err = mmapReserve(0, size, false)
		if err != nil {
			return nil, errNoMemory("newArena: mmap reserve")
		}
	}
	if addr%uintptr(pageSize) != 0 {
		return nil, errNoMemory("newArena: unaligned reservation")
	}
	return &arena{
		heapStart: addr,
		bmp:       addr,
		bmpChunk:  addr,
		maxAddr:   addr + uintptr(size),
		hugePages: opts.TryHugePages,
	}, nil
}

// extend grows the arena's bump pointer by incr bytes, committing
// whatever additional whole pages that requires, and returns the
// previous bump pointer (the start of the freshly extended range), per
// spec.md §4.4.
func (a *arena) extend(incr int) (uintptr, error) {
	if incr < 0 {
		return 0, errInvalid("extend")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	oldBmp := a.bmp
	newBmp := oldBmp + uintptr(incr)
	if newBmp > a.maxAddr {
		return 0, errNoMemory("extend")
	}

	newChunk := uintptr(roundUp(int(newBmp), pageSize))
	if newChunk > a.bmpChunk {
		if err := mprotectRW(a.bmpChunk, int(newChunk-a.bmpChunk)); err != nil {
			return 0, errNoMemory("extend: mprotect")
		}
		a.bmpChunk = newChunk
	}
	a.bmp = newBmp
	return oldBmp, nil
}

// reset rewinds the bump pointer (and the high-water commit mark) back to
// heapStart, mirroring original_source/src/mm-backend.c's reset_bmp_ptr:
// "Resets the heap's bump pointer" (mm-backend.h). It does not unmap or
// decommit anything — already-committed pages stay mapped read/write and
// are simply handed out again by the next extend, exactly as the source's
// mem_brk_chunk reset does.
func (a *arena) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bmp = a.heapStart
	a.bmpChunk = a.heapStart
}

// currentUsage reports the number of bytes currently bumped into.
func (a *arena) currentUsage() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.bmp - a.heapStart)
}

// contains reports whether addr was handed out by this arena.
func (a *arena) contains(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return addr >= a.heapStart && addr < a.bmp
}

func (a *arena) release() error {
	return munmapRegion(a.heapStart, int(a.maxAddr-a.heapStart))
}
