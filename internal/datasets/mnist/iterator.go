package mnist

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Iterator yields (images, labels) minibatches of a Split as tensors:
// images as float32 [batchSize, ImagePixels] scaled to [0, 1], labels as
// int32 [batchSize, 1] class ids.
//
// Batches all have the same shape so compiled computation graphs are reused;
// an incomplete trailing batch is dropped.
type Iterator struct {
	split     *Split
	batchSize int
	shuffle   bool

	order []int
	next  int
}

// Iter creates an iterator over the split. batchSize must be at least 1.
// If shuffle is set, the example order is re-drawn at every Reset.
func (s *Split) Iter(batchSize int, shuffle bool) (*Iterator, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d, must be at least 1", batchSize)
	}
	it := &Iterator{
		split:     s,
		batchSize: batchSize,
		shuffle:   shuffle,
		order:     make([]int, s.Num),
	}
	for ii := range it.order {
		it.order[ii] = ii
	}
	it.Reset()
	return it, nil
}

// BatchSize returns the configured minibatch size.
func (it *Iterator) BatchSize() int { return it.batchSize }

// NumBatches returns how many full batches one pass over the split yields.
func (it *Iterator) NumBatches() int { return it.split.Num / it.batchSize }

// Reset rewinds the iterator for another epoch, reshuffling if configured.
func (it *Iterator) Reset() {
	it.next = 0
	if it.shuffle {
		rand.Shuffle(len(it.order), func(i, j int) {
			it.order[i], it.order[j] = it.order[j], it.order[i]
		})
	}
}

// Next returns the next minibatch, or ok=false when the epoch is exhausted.
func (it *Iterator) Next() (images, labels *tensors.Tensor, ok bool) {
	if it.next+it.batchSize > it.split.Num {
		return nil, nil, false
	}
	batch := it.order[it.next : it.next+it.batchSize]
	it.next += it.batchSize

	images = tensors.FromShape(shapes.Make(dtypes.Float32, it.batchSize, ImagePixels))
	tensors.MutableFlatData(images, func(flat []float32) {
		for batchIdx, exampleIdx := range batch {
			pixels := it.split.Images[exampleIdx*ImagePixels : (exampleIdx+1)*ImagePixels]
			for pixelIdx, pixel := range pixels {
				flat[batchIdx*ImagePixels+pixelIdx] = float32(pixel) / 255
			}
		}
	})
	labels = tensors.FromShape(shapes.Make(dtypes.Int32, it.batchSize, 1))
	tensors.MutableFlatData(labels, func(flat []int32) {
		for batchIdx, exampleIdx := range batch {
			flat[batchIdx] = int32(it.split.Labels[exampleIdx])
		}
	})
	return images, labels, true
}
