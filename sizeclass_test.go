package tcalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRequestSize(t *testing.T) {
	cases := []struct{ in, want int }{
		{1, 16},
		{16, 16},
		{24, 32},
		{32, 32},
		{33, 48},
		{48, 48},
		{49, 64},
		{64, 64},
		{65, 72},
		{72, 72},
		{73, 128},
		{8192, 8192},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, roundRequestSize(c.in), "round(%d)", c.in)
	}
}

func TestClassIndex(t *testing.T) {
	for i, sz := range smallSizeClasses {
		assert.Equal(t, i, classIndex(sz))
	}
	assert.Equal(t, -1, classIndex(SmallThreshold+1))
}

func TestObjectsForClass(t *testing.T) {
	for _, sz := range smallSizeClasses {
		n := objectsForClass(sz)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, ObjectsPerSB)
	}
}
