package classifier

import (
	"context"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/arbor/internal/datasets/mnist"
	"github.com/janpfeifer/arbor/internal/eval"
)

// EpochStats summarizes one training epoch.
type EpochStats struct {
	// Epoch number, starting at 0.
	Epoch int

	// MeanLoss over the epoch's training minibatches.
	MeanLoss float32

	// ValidationError is the misclassification rate on the validation set,
	// in [0, 1].
	ValidationError float64
}

// Fit trains the model for a fixed number of epochs, evaluating on the
// validation iterator after each epoch. report, if non-nil, is called with
// stats after every epoch. When a checkpoint is configured, the model is
// saved after each epoch.
//
// Fit stops early (returning ctx.Err()) if ctx is cancelled.
func (c *Classifier) Fit(ctx context.Context, trainIt, validIt *mnist.Iterator, epochs int, report func(EpochStats)) error {
	if epochs <= 0 {
		return errors.Errorf("cannot train for %d epochs", epochs)
	}
	for epoch := 0; epoch < epochs; epoch++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		trainIt.Reset()
		var lossSum float64
		var numBatches int
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			images, labels, ok := trainIt.Next()
			if !ok {
				break
			}
			loss, err := c.TrainStep(images, labels)
			if err != nil {
				return errors.WithMessagef(err, "epoch %d, batch %d", epoch, numBatches)
			}
			lossSum += float64(loss)
			numBatches++
			klog.V(2).Infof("epoch %d, batch %d: loss=%.4f", epoch, numBatches, loss)
		}
		if numBatches == 0 {
			return errors.New("training iterator yielded no batches, batch size larger than the dataset?")
		}

		confusion, err := c.Evaluate(validIt)
		if err != nil {
			return errors.WithMessagef(err, "evaluating after epoch %d", epoch)
		}
		stats := EpochStats{
			Epoch:           epoch,
			MeanLoss:        float32(lossSum / float64(numBatches)),
			ValidationError: confusion.ErrorRate(),
		}
		klog.V(1).Infof("epoch %d: mean loss=%.4f, validation error=%.2f%%",
			stats.Epoch, stats.MeanLoss, 100*stats.ValidationError)
		if report != nil {
			report(stats)
		}
		if c.checkpoint != nil {
			if err = c.Save(); err != nil {
				return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
			}
		}
	}
	return nil
}

// Evaluate runs the model over the iterator and accumulates the primary
// leaf's predictions into a confusion matrix.
func (c *Classifier) Evaluate(it *mnist.Iterator) (*eval.Confusion, error) {
	it.Reset()
	confusion := eval.NewConfusion(mnist.NumClasses)
	for {
		images, labels, ok := it.Next()
		if !ok {
			break
		}
		predicted, err := c.Predict(images)
		if err != nil {
			return nil, err
		}
		wanted := tensors.CopyFlatData[int32](labels)
		for ii, p := range predicted {
			if err = confusion.Add(int(wanted[ii]), p); err != nil {
				return nil, err
			}
		}
	}
	if confusion.Total() == 0 {
		return nil, errors.New("evaluation iterator yielded no batches")
	}
	return confusion, nil
}
