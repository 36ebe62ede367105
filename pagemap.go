package tcalloc

import (
	"sync/atomic"
	"unsafe"
)

// Grounded on original_source/thread-caching/src/mm-pagemap.c: a 4-level
// radix trie keyed by 12-bit runs of the address, with the low 12 bits
// (the page offset) discarded. Interior nodes are installed with a single
// CAS on the parent slot; the losing installer unmaps its candidate node.
const (
	pmLevels      = 4
	pmIndexWidth  = 12
	pmIndexCount  = 1 << pmIndexWidth
	pmIndexMask   = pmIndexCount - 1
	pmPageShift   = 12
)

// pagemapNode is either an interior node (children are *pagemapNode) or,
// at the last level, a leaf whose slots are *superblockDescriptor values
// reinterpreted through the same unsafe.Pointer array.
type pagemapNode struct {
	children [pmIndexCount]unsafe.Pointer
}

// pagemap is the process-wide address -> superblock-descriptor map. The
// zero value is ready for use; the root node is installed lazily on first
// write.
type pagemap struct {
	root unsafe.Pointer // *pagemapNode
}

func decomposePointer(addr uintptr) [pmLevels]uintptr {
	var idx [pmLevels]uintptr
	raw := addr >> pmPageShift
	for i := 0; i < pmLevels; i++ {
		idx[i] = raw & pmIndexMask
		raw >>= pmIndexWidth
	}
	return idx
}

func newPagemapNode() *pagemapNode {
	b, err := mmapAnon(int(unsafe.Sizeof(pagemapNode{})))
	if err != nil {
		// Pagemap nodes are bootstrap allocations; if the kernel can't
		// give us anonymous pages the process cannot continue.
		panic("tcalloc: pagemap: " + err.Error())
	}
	return (*pagemapNode)(unsafe.Pointer(&b[0]))
}

// testAndSetChild installs newChild into slot if it is currently nil,
// returning whichever node ends up installed there. On a losing race the
// candidate node is unmapped.
func testAndSetChild(slot *unsafe.Pointer, newChild *pagemapNode) *pagemapNode {
	if existing := atomic.LoadPointer(slot); existing != nil {
		return (*pagemapNode)(existing)
	}
	if atomic.CompareAndSwapPointer(slot, nil, unsafe.Pointer(newChild)) {
		return newChild
	}
	munmapAnon(unsafe.Pointer(newChild), int(unsafe.Sizeof(pagemapNode{})))
	return (*pagemapNode)(atomic.LoadPointer(slot))
}

// lookup returns the superblock descriptor owning the page containing
// addr, or nil if the page is unmapped (the normal case for large
// allocations and foreign pointers).
func (pm *pagemap) lookup(addr uintptr) *superblockDescriptor {
	rootPtr := atomic.LoadPointer(&pm.root)
	if rootPtr == nil {
		return nil
	}
	idx := decomposePointer(addr)
	node := (*pagemapNode)(rootPtr)
	for level := 0; level < pmLevels-1; level++ {
		child := atomic.LoadPointer(&node.children[idx[level]])
		if child == nil {
			return nil
		}
		node = (*pagemapNode)(child)
	}
	leaf := atomic.LoadPointer(&node.children[idx[pmLevels-1]])
	return (*superblockDescriptor)(leaf)
}

// install maps every page in [addr, addr+length) to desc. Used when a
// superblock's payload is carved out of the page heap.
func (pm *pagemap) install(addr uintptr, length int, desc *superblockDescriptor) {
	for off := 0; off < length; off += pageSize {
		pm.installPage(addr+uintptr(off), desc)
	}
}

func (pm *pagemap) installPage(addr uintptr, desc *superblockDescriptor) {
	if atomic.LoadPointer(&pm.root) == nil {
		testAndSetChild((*unsafe.Pointer)(unsafe.Pointer(&pm.root)), newPagemapNode())
	}
	idx := decomposePointer(addr)
	node := (*pagemapNode)(atomic.LoadPointer(&pm.root))
	for level := 0; level < pmLevels-1; level++ {
		slot := &node.children[idx[level]]
		child := (*pagemapNode)(atomic.LoadPointer(slot))
		if child == nil {
			child = testAndSetChild(slot, newPagemapNode())
		}
		node = child
	}
	atomic.StorePointer(&node.children[idx[pmLevels-1]], unsafe.Pointer(desc))
}

// clear removes the mapping of every page in the given range. No
// superblock payload is ever returned to the middle-end, so nothing in
// the allocator itself calls it.
func (pm *pagemap) clear(addr uintptr, length int) {
	for off := 0; off < length; off += pageSize {
		pm.clearPage(addr + uintptr(off))
	}
}

func (pm *pagemap) clearPage(addr uintptr) {
	rootPtr := atomic.LoadPointer(&pm.root)
	if rootPtr == nil {
		return
	}
	idx := decomposePointer(addr)
	node := (*pagemapNode)(rootPtr)
	for level := 0; level < pmLevels-1; level++ {
		child := atomic.LoadPointer(&node.children[idx[level]])
		if child == nil {
			return
		}
		node = (*pagemapNode)(child)
	}
	atomic.StorePointer(&node.children[idx[pmLevels-1]], nil)
}
