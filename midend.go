package tcalloc

import (
	"sync"
	"unsafe"
)

// Grounded on original_source/src/mm-midend.c and mm-frontend-aux.c: the
// page heap is a single process-wide boundary-tag heap guarded by one
// mutex (spec.md §4.3). Blocks carry an 8-byte header encoding
// {size, allocated, prevAllocated, prevIsMiniblock}; free blocks larger
// than MinBlockSize additionally carry a footer and prev/next list pointers
// immediately after the header. Miniblocks (exactly MinBlockSize) carry
// only a next pointer and live on a separate singly-linked list.

const (
	wsize = 8 // one boundary-tag word

	tagAllocated   = uint64(1) << 0
	tagPrevAlloc   = uint64(1) << 1
	tagPrevMini    = uint64(1) << 2
	tagSizeMask    = ^uint64(0x7)
)

func packTag(size uint64, allocated, prevAlloc, prevMini bool) uint64 {
	v := size &^ 0x7
	if allocated {
		v |= tagAllocated
	}
	if prevAlloc {
		v |= tagPrevAlloc
	}
	if prevMini {
		v |= tagPrevMini
	}
	return v
}

func tagSize(v uint64) uint64       { return v & tagSizeMask }
func tagIsAlloc(v uint64) bool      { return v&tagAllocated != 0 }
func tagPrevIsAlloc(v uint64) bool  { return v&tagPrevAlloc != 0 }
func tagPrevIsMini(v uint64) bool   { return v&tagPrevMini != 0 }

func loadTag(addr uintptr) uint64       { return *(*uint64)(unsafe.Pointer(addr)) }
func storeTag(addr uintptr, v uint64)   { *(*uint64)(unsafe.Pointer(addr)) = v }

// midBlock is a view over one boundary-tag block. header is the address
// of the block's header word.
type midBlock struct{ header uintptr }

func (b midBlock) size() uint64        { return tagSize(loadTag(b.header)) }
func (b midBlock) isAlloc() bool       { return tagIsAlloc(loadTag(b.header)) }
func (b midBlock) prevIsAlloc() bool   { return tagPrevIsAlloc(loadTag(b.header)) }
func (b midBlock) prevIsMini() bool    { return tagPrevIsMini(loadTag(b.header)) }
func (b midBlock) footer() uintptr     { return b.header + uintptr(b.size()) - wsize }
func (b midBlock) payload() uintptr    { return b.header + wsize }
func (b midBlock) next() midBlock      { return midBlock{b.header + uintptr(b.size())} }
func (b midBlock) isMini() bool        { return b.size() == MinBlockSize }

func (b midBlock) write(size uint64, alloc, prevAlloc, prevMini bool) {
	tag := packTag(size, alloc, prevAlloc, prevMini)
	storeTag(b.header, tag)
	if !alloc && size != MinBlockSize {
		storeTag(b.footer(), tag)
	}
}

// prev returns the block preceding b, using the footer for a
// non-miniblock predecessor or the prevIsMini bit to step back exactly
// MinBlockSize bytes for a miniblock predecessor (spec.md §9's
// "miniblock accounting" note).
func (b midBlock) prev() midBlock {
	if b.prevIsMini() {
		return midBlock{b.header - MinBlockSize}
	}
	footer := b.header - wsize
	return midBlock{b.header - uintptr(tagSize(loadTag(footer)))}
}

// freeLinks is the prev/next pair embedded right after the header of a
// free, non-miniblock block.
type freeLinks struct {
	prev, next uintptr // block header addresses; 0 means "none"
}

func (b midBlock) links() *freeLinks { return (*freeLinks)(unsafe.Pointer(b.header + wsize)) }

// miniNext is the single next-pointer embedded in a free miniblock.
func (b midBlock) miniNext() *uintptr { return (*uintptr)(unsafe.Pointer(b.header + wsize)) }

// midend is the process-wide page heap. The zero value must be
// initialized via initHeap before use.
type midend struct {
	mu          sync.Mutex
	ar          *arena
	heapStart   uintptr
	lists       [len(midSizeClasses)]uintptr // ring root (block header addr), 0 if empty
	miniHead    uintptr
	initialized bool
}

func newMidend(ar *arena) *midend { return &midend{ar: ar} }

func (m *midend) initHeap() bool {
	start, err := m.ar.extend(2 * wsize)
	if err != nil {
		return false
	}
	storeTag(start, packTag(0, true, true, false))            // prologue footer
	storeTag(start+wsize, packTag(0, true, true, false))       // epilogue header
	m.heapStart = start + wsize
	m.initialized = true
	if m.extendHeap(ChunkSize) == 0 {
		return false
	}
	return true
}

// extendHeap grows the heap by at least size bytes and inserts the new
// free block, returning its header address or 0 on failure.
func (m *midend) extendHeap(size int) uintptr {
	size = roundUp(size+wsize, 16)
	addr, err := m.ar.extend(size)
	if err != nil {
		return 0
	}
	// The old epilogue header becomes the new block's header.
	b := midBlock{addr - wsize}
	epi := loadTag(addr - wsize)
	b.write(uint64(size), false, tagPrevIsAlloc(epi), tagPrevIsMini(epi))
	newEpi := midBlock{b.header + uintptr(size)}
	storeTag(newEpi.header, packTag(0, true, false, false))
	m.insertFree(b)
	return b.header
}

// requestBytes serves a request for n bytes, returning an unsafe.Pointer
// to the payload (not a page-rounded allocation: spec.md §4.3's
// request_bytes contract).
func (m *midend) requestBytes(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, errInvalid("requestBytes")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		if !m.initHeap() {
			return nil, errNoMemory("requestBytes: init heap")
		}
	}

	asize := uint64(roundUp(n+wsize, 16))
	if asize < MinBlockSize {
		asize = MinBlockSize
	}

	b, ok := m.findFit(asize)
	if !ok {
		ext := int(asize)
		if ext < ChunkSize {
			ext = ChunkSize
		}
		header := m.extendHeap(ext)
		if header == 0 {
			return nil, errNoMemory("requestBytes: extend heap")
		}
		b = midBlock{header}
	}

	m.removeFree(b)
	blockSize := b.size()
	prevAlloc := b.prevIsAlloc()
	prevMini := b.prevIsMini()
	b.write(blockSize, true, prevAlloc, prevMini)
	m.splitBlock(b, asize)

	return unsafe.Pointer(b.payload()), nil
}

// requestPages is a thin wrapper requesting k whole pages.
func (m *midend) requestPages(k int) (unsafe.Pointer, error) {
	return m.requestBytes(k * pageSize)
}

// returnBlock frees a middle-end allocation and coalesces it with free
// neighbors.
func (m *midend) returnBlock(p unsafe.Pointer) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := midBlock{uintptr(p) - wsize}
	size := b.size()
	prevAlloc := b.prevIsAlloc()
	prevMini := b.prevIsMini()
	b.write(size, false, prevAlloc, prevMini)
	m.insertFree(b)
	m.coalesce(b)
}

// findFit searches the smallest segregated class able to hold asize,
// scanning up to SearchDepth entries per class and tracking the best fit
// before moving to the next class, per spec.md §4.3.
func (m *midend) findFit(asize uint64) (midBlock, bool) {
	start := midClassIndex(int(asize))
	for ci := start; ci < len(midSizeClasses); ci++ {
		root := m.lists[ci]
		if root == 0 {
			continue
		}
		var best uintptr
		var bestSize uint64
		cur := root
		for depth := 0; depth < SearchDepth; depth++ {
			blk := midBlock{cur}
			sz := blk.size()
			if sz >= asize && (best == 0 || sz < bestSize) {
				best, bestSize = cur, sz
			}
			next := m.nextOf(blk)
			if next == root {
				break
			}
			cur = next
		}
		if best != 0 {
			return midBlock{best}, true
		}
	}
	return midBlock{}, false
}

func (m *midend) nextOf(b midBlock) uintptr {
	if b.isMini() {
		return *b.miniNext()
	}
	return b.links().next
}

// insertFree pushes b onto the head of its size class's circular list
// (or the singly-linked miniblock list).
func (m *midend) insertFree(b midBlock) {
	if b.isMini() {
		*b.miniNext() = m.miniHead
		m.miniHead = b.header
		return
	}
	ci := midClassIndex(int(b.size()))
	root := m.lists[ci]
	if root == 0 {
		b.links().next = b.header
		b.links().prev = b.header
		m.lists[ci] = b.header
		return
	}
	tail := midBlock{root}.links().prev
	b.links().next = root
	b.links().prev = tail
	midBlock{tail}.links().next = b.header
	midBlock{root}.links().prev = b.header
	m.lists[ci] = b.header
}

// removeFree unlinks b from whichever free list holds it.
func (m *midend) removeFree(b midBlock) {
	if b.isMini() {
		if m.miniHead == b.header {
			m.miniHead = *b.miniNext()
			return
		}
		cur := m.miniHead
		for cur != 0 {
			nb := midBlock{cur}
			if *nb.miniNext() == b.header {
				*nb.miniNext() = *b.miniNext()
				return
			}
			cur = *nb.miniNext()
		}
		return
	}

	ci := midClassIndex(int(b.size()))
	links := b.links()
	if links.next == b.header {
		m.lists[ci] = 0
		return
	}
	prev := midBlock{links.prev}
	next := midBlock{links.next}
	prev.links().next = next.header
	next.links().prev = prev.header
	if m.lists[ci] == b.header {
		m.lists[ci] = next.header
	}
}

// splitBlock carves the remainder of an allocated block off into a new
// free block if the remainder is at least MinBlockSize.
func (m *midend) splitBlock(b midBlock, asize uint64) {
	total := b.size()
	rem := total - asize
	if rem < MinBlockSize {
		return
	}
	b.write(asize, true, b.prevIsAlloc(), b.prevIsMini())
	tail := midBlock{b.header + uintptr(asize)}
	tail.write(rem, false, true, asize == MinBlockSize)
	m.insertFree(tail)
	m.fixNextPrevBits(tail)
}

// fixNextPrevBits updates the successor's prevAlloc/prevIsMini bits to
// agree with b's current state, without disturbing the successor's own
// allocated/size bits.
func (m *midend) fixNextPrevBits(b midBlock) {
	next := b.next()
	tag := loadTag(next.header)
	newTag := tag &^ (tagPrevAlloc | tagPrevMini)
	if b.isAlloc() {
		newTag |= tagPrevAlloc
	}
	if b.isMini() {
		newTag |= tagPrevMini
	}
	storeTag(next.header, newTag)
	if !tagIsAlloc(tag) && tagSize(tag) != MinBlockSize {
		storeTag(next.footer(), newTag)
	}
}

// coalesce merges b with a free predecessor and/or successor, per
// spec.md §4.3's four cases, then reinserts the merged block.
func (m *midend) coalesce(b midBlock) {
	next := b.next()
	nextFree := !next.isAlloc()
	prevFree := !b.prevIsAlloc()

	switch {
	case !prevFree && !nextFree:
		m.fixNextPrevBits(b)
		return
	case !prevFree && nextFree:
		m.removeFree(b)
		m.removeFree(next)
		merged := midBlock{b.header}
		merged.write(b.size()+next.size(), false, b.prevIsAlloc(), b.prevIsMini())
		m.insertFree(merged)
		m.fixNextPrevBits(merged)
	case prevFree && !nextFree:
		prev := b.prev()
		m.removeFree(b)
		m.removeFree(prev)
		merged := midBlock{prev.header}
		merged.write(prev.size()+b.size(), false, prev.prevIsAlloc(), prev.prevIsMini())
		m.insertFree(merged)
		m.fixNextPrevBits(merged)
	default:
		prev := b.prev()
		m.removeFree(b)
		m.removeFree(prev)
		m.removeFree(next)
		merged := midBlock{prev.header}
		merged.write(prev.size()+b.size()+next.size(), false, prev.prevIsAlloc(), prev.prevIsMini())
		m.insertFree(merged)
		m.fixNextPrevBits(merged)
	}
}

// usableSize returns the payload capacity of a middle-end allocation,
// used when Realloc must recover an old size that the front-end cache
// didn't track (the pointer wasn't small-cached).
func (m *midend) usableSize(p unsafe.Pointer) int {
	b := midBlock{uintptr(p) - wsize}
	return int(b.size()) - wsize
}
