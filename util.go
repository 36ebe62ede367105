package tcalloc

import (
	"unsafe"

	"github.com/cznic/mathutil"
)

// checkedMul computes nmemb*size, modeled on cznic/virtual's libc
// calloc() builtin: widen the multiply to 128 bits and reject if the high
// word is non-zero or the low word would not fit in an int. The overflow
// condition is the corrected one described in DESIGN.md, not the
// builtin's own. Grounded on
// other_examples/46a9321e_cznic-virtual__stdlib.go.go.
func checkedMul(nmemb, size int) (int, bool) {
	if nmemb < 0 || size < 0 {
		return 0, false
	}
	hi, lo := mathutil.MulUint128_64(uint64(nmemb), uint64(size))
	if hi != 0 || lo > uint64(mathutil.MaxInt) {
		return 0, false
	}
	return int(lo), true
}

func zero(p unsafe.Pointer, n int) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(dst, src unsafe.Pointer, n int) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}
