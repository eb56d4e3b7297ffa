package generics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	assert.Equal(t, []int{1, 4, 9}, SliceMap([]int{1, 2, 3}, func(e int) int { return e * e }))
	assert.Empty(t, SliceMap(nil, func(e int) int { return e }))
}

func TestArgMax(t *testing.T) {
	assert.Equal(t, -1, ArgMax[float32](nil))
	assert.Equal(t, 0, ArgMax([]float32{7}))
	assert.Equal(t, 2, ArgMax([]float32{-1, 0.5, 3, 3}), "ties resolve to the lowest index")
	assert.Equal(t, 1, ArgMax([]int{-3, -1, -2}))
}

func TestSet(t *testing.T) {
	s := MakeSet[string](2)
	assert.False(t, s.Has("a"))
	s.Insert("a")
	assert.True(t, s.Has("a"))
}
