package tcalloc

import (
	"sync/atomic"
	"unsafe"
)

// superblockDescriptor is a fixed-size record describing one superblock.
// It lives in the owning cache's metadata region, never in the payload
// pages it describes (spec.md §3's "no metadata stored in-band").
//
// A non-owning goroutine mutates only numAvailable, freelistHead and the
// objList entry of the slot it is freeing (via Free's CAS loop); every
// other field is written once, by the owner, during refill.
type superblockDescriptor struct {
	payload      uintptr
	sizeClass    int32
	numAvailable uint32 // atomic
	freelistHead uint32 // atomic; index into objList, or sentinel below
	sbPrevIndex  uint16
	sbNextIndex  uint16
	objList      [ObjectsPerSB]uint32 // obj_list[i]: next free slot after i
}

// sbNoNext marks the end of the embedded free stack.
const sbNoNext = ^uint32(0)

// initFreeStack builds the identity chain 0 -> 1 -> 2 -> ... -> n-1 -> end
// used the moment a superblock is carved from fresh payload pages.
func (d *superblockDescriptor) initFreeStack(n int) {
	for i := 0; i < n-1; i++ {
		d.objList[i] = uint32(i + 1)
	}
	d.objList[n-1] = sbNoNext
	atomic.StoreUint32(&d.freelistHead, 0)
	atomic.StoreUint32(&d.numAvailable, uint32(n))
}

// popSlot pops a free slot for the owner. Returns (slotIndex, true), or
// (0, false) if the superblock is currently empty. Owner-only: spec.md
// §4.1's ABA argument requires that only the owning cache ever pops.
func (d *superblockDescriptor) popSlot() (uint32, bool) {
	for {
		avail := atomic.LoadUint32(&d.numAvailable)
		if avail == 0 {
			return 0, false
		}
		if !atomic.CompareAndSwapUint32(&d.numAvailable, avail, avail-1) {
			continue
		}
		for {
			h := atomic.LoadUint32(&d.freelistHead)
			next := d.objList[h]
			if atomic.CompareAndSwapUint32(&d.freelistHead, h, next) {
				return h, true
			}
		}
	}
}

// pushSlot returns idx to the free stack. Safe to call from any
// goroutine: it only ever writes objList[idx] (dead storage for an
// allocated slot, so no other pusher can be racing on the same idx) and
// then CASes the shared head.
func (d *superblockDescriptor) pushSlot(idx uint32) {
	for {
		h := atomic.LoadUint32(&d.freelistHead)
		d.objList[idx] = h
		if atomic.CompareAndSwapUint32(&d.freelistHead, h, idx) {
			break
		}
	}
	atomic.AddUint32(&d.numAvailable, 1)
}

func (d *superblockDescriptor) slotAddr(idx uint32) uintptr {
	return d.payload + uintptr(idx)*uintptr(d.sizeClass)
}

// validateSlot checks idx against spec.md §4.1 Free step 2's "Assert idx
// < OBJECTS_PER_SB" before it is trusted as an index into objList. A
// foreign or corrupted pointer that still resolves through the pagemap
// must never be allowed to read or write outside the array.
func (d *superblockDescriptor) validateSlot(idx uint32) error {
	if idx >= ObjectsPerSB {
		return errCorrupt("validateSlot")
	}
	return nil
}

// sizeClassHeader is the per-class bookkeeping for one cache: which
// superblock is active, the active ring, and the stack of unused
// descriptor slots. Grounded on
// original_source/thread-caching/src/mm-cache-defines.h's
// size_class_header.
type sizeClassHeader struct {
	sbStart         uintptr // *[MaxSBPerClass]superblockDescriptor
	sizeClass       int32
	objectsPerSB    int32
	sbActive        uint16
	activeSBCount   uint16
	sbInactiveHead  uint16
	sbInactiveList  [MaxSBPerClass]uint16
}

const sbInactiveEnd = MaxSBPerClass

func (h *sizeClassHeader) descriptors() *[MaxSBPerClass]superblockDescriptor {
	return (*[MaxSBPerClass]superblockDescriptor)(unsafe.Pointer(h.sbStart))
}

func (h *sizeClassHeader) desc(i uint16) *superblockDescriptor {
	return &h.descriptors()[i]
}

func (h *sizeClassHeader) active() *superblockDescriptor {
	return h.desc(h.sbActive)
}

// claimInactive pops a descriptor slot off the inactive stack, or returns
// (0, false) if the class is saturated (every descriptor is on the
// active ring).
func (h *sizeClassHeader) claimInactive() (uint16, bool) {
	if h.sbInactiveHead == sbInactiveEnd {
		return 0, false
	}
	idx := h.sbInactiveHead
	h.sbInactiveHead = h.sbInactiveList[idx]
	return idx, true
}

// spliceActive inserts descriptor idx into the active ring immediately
// after the current active superblock.
func (h *sizeClassHeader) spliceActive(idx uint16) {
	descs := h.descriptors()
	if h.activeSBCount == 0 {
		descs[idx].sbPrevIndex = idx
		descs[idx].sbNextIndex = idx
		h.sbActive = idx
	} else {
		cur := h.sbActive
		next := descs[cur].sbNextIndex
		descs[cur].sbNextIndex = idx
		descs[idx].sbPrevIndex = cur
		descs[idx].sbNextIndex = next
		descs[next].sbPrevIndex = idx
	}
	h.activeSBCount++
}

// advanceActive moves sbActive to the next superblock on the ring,
// returning false once every superblock has been visited without
// finding one with availability (the caller then refills).
func (h *sizeClassHeader) advanceActive() bool {
	descs := h.descriptors()
	start := h.sbActive
	cur := descs[start].sbNextIndex
	for cur != start {
		if atomic.LoadUint32(&descs[cur].numAvailable) > 0 {
			h.sbActive = cur
			return true
		}
		cur = descs[cur].sbNextIndex
	}
	return atomic.LoadUint32(&descs[start].numAvailable) > 0
}
