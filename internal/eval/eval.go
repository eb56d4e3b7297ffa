// Package eval accumulates classification results into a confusion matrix
// and derives error metrics from it.
package eval

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Confusion is a square confusion matrix: rows are true classes, columns are
// predicted classes.
type Confusion struct {
	numClasses int
	counts     *mat.Dense
	total      float64
}

// NewConfusion creates an empty confusion matrix for numClasses classes.
func NewConfusion(numClasses int) *Confusion {
	return &Confusion{
		numClasses: numClasses,
		counts:     mat.NewDense(numClasses, numClasses, nil),
	}
}

// Add records one example with the given true and predicted classes.
func (c *Confusion) Add(label, predicted int) error {
	if label < 0 || label >= c.numClasses || predicted < 0 || predicted >= c.numClasses {
		return errors.Errorf("confusion matrix for %d classes got label=%d, predicted=%d",
			c.numClasses, label, predicted)
	}
	c.counts.Set(label, predicted, c.counts.At(label, predicted)+1)
	c.total++
	return nil
}

// Total returns the number of examples recorded.
func (c *Confusion) Total() int { return int(c.total) }

// ErrorRate returns the misclassification rate, in [0, 1].
// It returns 0 if no examples were recorded.
func (c *Confusion) ErrorRate() float64 {
	if c.total == 0 {
		return 0
	}
	return 1 - mat.Trace(c.counts)/c.total
}

// Recall returns the fraction of examples of the given class that were
// predicted correctly, or 0 if the class never occurred.
func (c *Confusion) Recall(class int) float64 {
	row := c.counts.RawRowView(class)
	occurrences := floats.Sum(row)
	if occurrences == 0 {
		return 0
	}
	return c.counts.At(class, class) / occurrences
}

// String formats the matrix with per-class recall, for logging.
func (c *Confusion) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%d examples, error rate %.2f%%\n", c.Total(), 100*c.ErrorRate())
	for class := 0; class < c.numClasses; class++ {
		_, _ = fmt.Fprintf(&sb, "  class %d: recall %.2f%%\n", class, 100*c.Recall(class))
	}
	return sb.String()
}
