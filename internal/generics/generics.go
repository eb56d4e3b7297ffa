// Package generics implements small generic helpers missing from the stdlib.
package generics

import (
	"golang.org/x/exp/constraints"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// ArgMax returns the index of the largest element of the slice.
// Ties resolve to the lowest index. It returns -1 for an empty slice.
func ArgMax[T constraints.Ordered](values []T) int {
	if len(values) == 0 {
		return -1
	}
	maxIdx := 0
	for ii := 1; ii < len(values); ii++ {
		if values[ii] > values[maxIdx] {
			maxIdx = ii
		}
	}
	return maxIdx
}

// Set implements a set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type, reserving size if given.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert key into the set.
func (s Set[T]) Insert(key T) {
	s[key] = struct{}{}
}
