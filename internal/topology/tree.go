package topology

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/arbor/internal/generics"
	"github.com/pkg/errors"
)

// Tree is a branching topology: one root (the input), multiple leaves
// (the outputs), assembled from paths that share branch markers. Each leaf
// carries a weighting coefficient, applied to that leaf's loss contribution
// when costs are aggregated.
type Tree struct {
	paths   []Path
	weights []float64
}

// New assembles a tree from the given paths, declared trunk-first.
// All leaf weights default to 1. Call Validate before building.
func New(paths ...Path) *Tree {
	weights := make([]float64, len(paths))
	for ii := range weights {
		weights[ii] = 1
	}
	return &Tree{paths: paths, weights: weights}
}

// WithWeights sets the per-leaf weighting coefficients, positionally matched
// to the paths. It returns the tree to allow chaining.
func (t *Tree) WithWeights(weights ...float64) *Tree {
	t.weights = weights
	return t
}

// NumLeaves returns the number of leaf outputs, one per path.
func (t *Tree) NumLeaves() int { return len(t.paths) }

// Weights returns the per-leaf weighting coefficients.
func (t *Tree) Weights() []float64 { return t.weights }

// LeafLayers returns the terminal layer descriptor of each path, in path
// order. Only valid on a tree that passed Validate.
func (t *Tree) LeafLayers() []*Affine {
	return generics.SliceMap(t.paths, func(p Path) *Affine { return p.terminal() })
}

// Validate checks the structural invariants of the topology:
//
//   - There is at least one path, and every path holds at least one layer
//     and ends with a layer (its leaf).
//   - Every path after the first starts with a branch marker defined by an
//     earlier path.
//   - A marker is defined by its first occurrence; any later occurrence must
//     be the first element of a path (re-referencing a marker after layers
//     already consumed other inputs would discard the computed prefix).
//   - Layer names are unique (they name the variable scopes).
//   - There is one non-negative weight per leaf.
func (t *Tree) Validate() error {
	if len(t.paths) == 0 {
		return errors.New("topology has no paths")
	}
	if len(t.weights) != len(t.paths) {
		return errors.Errorf("topology has %d leaf paths but %d weights", len(t.paths), len(t.weights))
	}
	for ii, w := range t.weights {
		if w < 0 {
			return errors.Errorf("leaf #%d has negative weight %g", ii, w)
		}
	}

	defined := generics.MakeSet[string]()
	layerNames := generics.MakeSet[string]()
	for pathIdx, path := range t.paths {
		numLayers := 0
		for elemIdx, elem := range path {
			switch elem := elem.(type) {
			case *BranchNode:
				if defined.Has(elem.Name()) {
					if elemIdx != 0 {
						return errors.Errorf(
							"path #%d references branch marker %q at position %d: a defined marker can only start a path",
							pathIdx, elem.Name(), elemIdx)
					}
				} else {
					if pathIdx > 0 && elemIdx == 0 {
						return errors.Errorf(
							"path #%d starts with branch marker %q, which no earlier path defines",
							pathIdx, elem.Name())
					}
					defined.Insert(elem.Name())
				}
			case *Affine:
				if elem.Name == "" {
					return errors.Errorf("path #%d has a layer with an empty name at position %d", pathIdx, elemIdx)
				}
				if layerNames.Has(elem.Name) {
					return errors.Errorf("layer name %q is used more than once", elem.Name)
				}
				layerNames.Insert(elem.Name)
				if elem.NumOutputs < 1 {
					return errors.Errorf("layer %q declares %d output units", elem.Name, elem.NumOutputs)
				}
				numLayers++
			default:
				return errors.Errorf("path #%d has an unsupported element of type %T", pathIdx, elem)
			}
		}
		if numLayers == 0 {
			return errors.Errorf("path #%d has no layers", pathIdx)
		}
		if path.terminal() == nil {
			return errors.Errorf("path #%d does not end with a layer", pathIdx)
		}
		if pathIdx > 0 {
			if _, isMarker := path[0].(*BranchNode); !isMarker {
				return errors.Errorf("path #%d does not start with a branch marker: "+
					"leaf paths must start from the marker where they diverge", pathIdx)
			}
		}
	}
	return nil
}

// Build emits the tree's computation graph for the given input node, and
// returns one output node per path, in path order. The first output is the
// trunk's, the topology's primary prediction head.
//
// Markers are resolved through an explicit index from marker name to the
// graph node at the fork point. The shared prefix of forked paths is emitted
// once; it fans out in the graph rather than being recomputed.
//
// Build panics (in the graph-building error domain) on an invalid topology:
// it is meant to be called inside a graph building function, after Validate
// has been checked.
func (t *Tree) Build(ctx *context.Context, input *Node) []*Node {
	if err := t.Validate(); err != nil {
		exceptions.Panicf("invalid topology: %v", err)
	}
	forkPoints := make(map[string]*Node, len(t.paths))
	outputs := make([]*Node, len(t.paths))
	for pathIdx, path := range t.paths {
		x := input
		for _, elem := range path {
			switch elem := elem.(type) {
			case *BranchNode:
				if forked, found := forkPoints[elem.Name()]; found {
					x = forked
				} else {
					forkPoints[elem.Name()] = x
				}
			case *Affine:
				x = elem.apply(ctx, x)
			}
		}
		outputs[pathIdx] = x
	}
	return outputs
}

// String returns a compact description of the topology, one path per line.
func (t *Tree) String() string {
	var sb strings.Builder
	for pathIdx, path := range t.paths {
		if pathIdx == 0 {
			sb.WriteString("trunk: input")
		} else {
			_, _ = fmt.Fprintf(&sb, "leaf #%d:", pathIdx)
		}
		for _, elem := range path {
			switch elem := elem.(type) {
			case *BranchNode:
				_, _ = fmt.Fprintf(&sb, " [%s]", elem.Name())
			case *Affine:
				_, _ = fmt.Fprintf(&sb, " -> %s(%d)", elem.Name, elem.NumOutputs)
			}
		}
		if pathIdx < len(t.weights) {
			_, _ = fmt.Fprintf(&sb, " *%g", t.weights[pathIdx])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
