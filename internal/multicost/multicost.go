// Package multicost aggregates one cost function per topology leaf into a
// single training loss.
//
// Costs are positionally matched to the tree's leaves, and each leaf's loss
// is scaled by the leaf's weighting coefficient before summing.
package multicost

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/pkg/errors"
)

// Cost computes the loss of one leaf from its labels and predictions.
// It has the same shape as the GoMLX ml/train/losses functions, so those can
// be used directly.
type Cost func(labels, predictions []*Node) *Node

// Multicost is an ordered collection of per-leaf cost functions, matched
// positionally to the leaves of a topology.
type Multicost struct {
	costs   []Cost
	weights []float64
}

// New creates a Multicost from one cost per leaf and the matching per-leaf
// weights. It fails if the counts disagree or a weight is negative.
func New(costs []Cost, weights []float64) (*Multicost, error) {
	if len(costs) == 0 {
		return nil, errors.New("multicost needs at least one cost function")
	}
	if len(costs) != len(weights) {
		return nil, errors.Errorf("multicost got %d cost functions for %d leaf weights", len(costs), len(weights))
	}
	for ii, w := range weights {
		if w < 0 {
			return nil, errors.Errorf("leaf #%d has negative loss weight %g", ii, w)
		}
	}
	return &Multicost{costs: costs, weights: weights}, nil
}

// NumLeaves returns the number of leaf outputs this Multicost expects.
func (m *Multicost) NumLeaves() int { return len(m.costs) }

// Weights returns the per-leaf loss weights.
func (m *Multicost) Weights() []float64 { return m.weights }

// LossGraph returns the scalar total loss: each leaf's cost reduced to its
// mean, scaled by the leaf weight and summed.
//
// predictions must hold one node per leaf. labels either matches it
// one-to-one, or holds a single tensor that is broadcast to every leaf.
// It panics (graph-building error domain) on a count mismatch.
func (m *Multicost) LossGraph(labels, predictions []*Node) *Node {
	if len(predictions) != len(m.costs) {
		exceptions.Panicf("multicost has %d cost functions but the model produced %d leaf outputs",
			len(m.costs), len(predictions))
	}
	if len(labels) != 1 && len(labels) != len(m.costs) {
		exceptions.Panicf("multicost needs 1 (broadcast) or %d label tensors, got %d",
			len(m.costs), len(labels))
	}
	var total *Node
	for leafIdx, cost := range m.costs {
		leafLabels := labels
		if len(labels) == len(m.costs) {
			leafLabels = labels[leafIdx : leafIdx+1]
		}
		loss := cost(leafLabels, predictions[leafIdx:leafIdx+1])
		if !loss.IsScalar() {
			// Some costs return one value per example of the batch.
			loss = ReduceAllMean(loss)
		}
		loss = MulScalar(loss, m.weights[leafIdx])
		if total == nil {
			total = loss
		} else {
			total = Add(total, loss)
		}
	}
	return total
}
