package tcalloc

import (
	"sync/atomic"
	"unsafe"
)

// threadMetadataRegion is the one contiguous mapping backing a single
// cache's size-class headers and superblock descriptor arrays. Obtained
// by direct anonymous mapping and never released, per spec.md §3:
// "never allocated from the heap being defined."
type threadMetadataRegion struct {
	headers     [NumSizeClasses]sizeClassHeader
	descriptors [NumSizeClasses][MaxSBPerClass]superblockDescriptor
}

// Cache is the per-thread front-end object cache (spec.md §4.1). Create
// one with (*Allocator).Bind and use it from a single goroutine at a
// time for Alloc/Calloc/Realloc; Free may be called from any goroutine,
// because it is resolved through the pagemap and only ever touches
// atomic descriptor fields (spec.md §4.1's cross-thread free argument).
type Cache struct {
	id    int
	owner *Allocator
	meta  *threadMetadataRegion
}

func newCache(id int, owner *Allocator) (*Cache, error) {
	regionSize := roundUp(int(unsafe.Sizeof(threadMetadataRegion{})), pageSize)
	raw, err := mmapAnon(regionSize)
	if err != nil {
		return nil, errNoMemory("newCache: metadata mmap")
	}
	meta := (*threadMetadataRegion)(unsafe.Pointer(&raw[0]))
	for i := range meta.headers {
		h := &meta.headers[i]
		h.sbStart = uintptr(unsafe.Pointer(&meta.descriptors[i][0]))
		h.sizeClass = int32(smallSizeClasses[i])
		h.objectsPerSB = int32(objectsForClass(smallSizeClasses[i]))
		h.sbInactiveHead = 0
		for j := uint16(0); j < MaxSBPerClass; j++ {
			if j == MaxSBPerClass-1 {
				h.sbInactiveList[j] = sbInactiveEnd
			} else {
				h.sbInactiveList[j] = j + 1
			}
		}
	}

	return &Cache{id: id, owner: owner, meta: meta}, nil
}

func (c *Cache) header(classIdx int) *sizeClassHeader { return &c.meta.headers[classIdx] }

// Alloc serves size bytes, returning nil on failure or size == 0.
// Owner-only: see the Cache doc comment.
func (c *Cache) Alloc(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	norm := roundRequestSize(size)
	var p unsafe.Pointer
	if norm > SmallThreshold {
		p, _ = c.owner.midend.requestBytes(norm)
	} else {
		p = c.allocSmall(classIndex(norm))
	}
	if p != nil {
		atomic.AddUint64(&c.owner.allocs, 1)
	}
	return p
}

func (c *Cache) allocSmall(classIdx int) unsafe.Pointer {
	h := c.header(classIdx)
	if h.activeSBCount == 0 {
		if !c.refill(classIdx) {
			return nil
		}
	}
	for {
		desc := h.active()
		slot, ok := desc.popSlot()
		if ok {
			return unsafe.Pointer(desc.slotAddr(slot))
		}
		if !h.advanceActive() {
			if !c.refill(classIdx) {
				return nil
			}
			continue
		}
	}
}

// refill requests a fresh superblock from the middle-end and splices it
// into the class's active ring (spec.md §4.1 "Refill").
func (c *Cache) refill(classIdx int) bool {
	h := c.header(classIdx)
	descIdx, ok := h.claimInactive()
	if !ok {
		return false // class saturated
	}

	objs := int(h.objectsPerSB)
	payloadLen := roundUp(int(h.sizeClass)*objs, pageSize)
	// Middle-end payloads are only 16-byte aligned; one extra page lets the
	// superblock start on a page boundary, so every page installed in the
	// pagemap below lies wholly inside this superblock's block.
	p, err := c.owner.midend.requestBytes(payloadLen + pageSize)
	if err != nil || p == nil {
		// Return the descriptor slot to the inactive stack.
		h.sbInactiveList[descIdx] = h.sbInactiveHead
		h.sbInactiveHead = descIdx
		return false
	}

	payload := uintptr(roundUp(int(uintptr(p)), pageSize))
	desc := h.desc(descIdx)
	desc.payload = payload
	desc.sizeClass = h.sizeClass
	desc.initFreeStack(objs)
	h.spliceActive(descIdx)
	h.sbActive = descIdx

	c.owner.pages.install(payload, payloadLen, desc)
	return true
}

// Free returns p to the cache that owns it, wherever that cache is
// bound. May be called from any goroutine.
func (c *Cache) Free(p unsafe.Pointer) { c.owner.free(p) }

// Calloc allocates nmemb*size bytes, zeroed, detecting multiplication
// overflow per spec.md §6.
func (c *Cache) Calloc(nmemb, size int) unsafe.Pointer {
	n, ok := checkedMul(nmemb, size)
	if !ok {
		return nil
	}
	p := c.Alloc(n)
	if p == nil {
		return nil
	}
	zero(p, n)
	return p
}

// Realloc resizes p to size bytes, per spec.md §6's realloc semantics.
func (c *Cache) Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	if p == nil {
		return c.Alloc(size)
	}
	if size == 0 {
		c.Free(p)
		return nil
	}

	oldSize := c.owner.usableSize(p)
	newP := c.Alloc(size)
	if newP == nil {
		return nil
	}
	n := oldSize
	if size < n {
		n = size
	}
	copyBytes(newP, p, n)
	c.Free(p)
	return newP
}

// AllocBytes is a []byte-returning convenience wrapper matching the
// teacher package's Malloc API, for callers who would rather not touch
// unsafe.Pointer directly.
func (c *Cache) AllocBytes(size int) []byte {
	p := c.Alloc(size)
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), size)
}

// FreeBytes releases a slice obtained from AllocBytes.
func (c *Cache) FreeBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	c.Free(unsafe.Pointer(&b[0]))
}
