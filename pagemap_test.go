package tcalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagemapInstallLookup(t *testing.T) {
	var pm pagemap
	var d1, d2 superblockDescriptor

	base := uintptr(0x7f0000000000)
	pm.install(base, 3*pageSize, &d1)

	assert.Same(t, &d1, pm.lookup(base))
	assert.Same(t, &d1, pm.lookup(base+uintptr(pageSize)))
	assert.Same(t, &d1, pm.lookup(base+uintptr(2*pageSize)))
	assert.Nil(t, pm.lookup(base+uintptr(3*pageSize)), "one page past the installed range is unmapped")

	// Disjoint region gets its own descriptor without disturbing the
	// first.
	other := uintptr(0x7f0100000000)
	pm.install(other, pageSize, &d2)
	assert.Same(t, &d2, pm.lookup(other))
	assert.Same(t, &d1, pm.lookup(base))
}

func TestPagemapClear(t *testing.T) {
	var pm pagemap
	var d superblockDescriptor
	base := uintptr(0x7f0200000000)
	pm.install(base, pageSize, &d)
	require.NotNil(t, pm.lookup(base))
	pm.clear(base, pageSize)
	assert.Nil(t, pm.lookup(base))
}

func TestPagemapLookupUnmapped(t *testing.T) {
	var pm pagemap
	assert.Nil(t, pm.lookup(uintptr(0x41414141)))
}

func TestDecomposePointerRoundTrip(t *testing.T) {
	addr := uintptr(unsafe.Pointer(&struct{}{})) &^ uintptr(pageSize-1)
	idx := decomposePointer(addr)
	for _, v := range idx {
		assert.Less(t, v, uintptr(pmIndexCount))
	}
	var raw uintptr
	for i := pmLevels - 1; i >= 0; i-- {
		raw = raw<<pmIndexWidth | idx[i]
	}
	assert.Equal(t, addr>>pmPageShift, raw)
}
