// Package topology declares tree-structured (branching) feed-forward network
// topologies and builds their GoMLX computation graphs.
//
// A topology is a collection of ordered Paths. Each Path is a sequence of
// layer descriptors and branch markers, going from the input towards one
// output (a "leaf"). Paths that share a BranchNode marker fork from a common
// trunk: the shared prefix is computed once and its result fans out to every
// path that references the marker.
//
// Paths are declared trunk-first: the main trunk is listed first, and each
// leaf path afterwards, starting from the branch marker where it diverges.
package topology

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Element is one entry of a Path: either a *BranchNode or an *Affine.
type Element interface {
	pathElement()
}

// BranchNode is an identity token marking a fork point of the topology.
// It carries no data, only a name used as the key in the tree's marker index.
//
// Its first occurrence (in path declaration order) defines the fork point;
// later paths reference it as their first element to attach there.
type BranchNode struct {
	name string
}

// NewBranch creates a branch marker with the given name.
func NewBranch(name string) *BranchNode {
	return &BranchNode{name: name}
}

// Name of the marker, the key under which the fork point is indexed.
func (b *BranchNode) Name() string { return b.name }

func (b *BranchNode) pathElement() {}

// Init is a Gaussian (zero mean) weight-initialization policy.
type Init struct {
	// Stddev of the normal distribution the weights are sampled from.
	Stddev float64

	// Seed for the sampling. The zero value gives a fixed default seed,
	// so runs are reproducible unless a seed is chosen.
	Seed int64
}

// LayerConfig is a reusable options record shared by several layer
// declarations. It is passed by value to each layer constructor.
type LayerConfig struct {
	Init       Init
	Activation string
}

// Affine is a fully-connected layer descriptor: it declares an output width,
// a weight-initialization policy and an activation. It is purely
// configuration, the weights only materialize when the tree is built and
// bound to concrete input shapes.
type Affine struct {
	// Name of the layer, also the context scope holding its variables.
	// Must be unique within a tree.
	Name string

	// NumOutputs is the layer's output width (number of units).
	NumOutputs int

	Config LayerConfig
}

// NewAffine creates a fully-connected layer descriptor.
func NewAffine(name string, numOutputs int, config LayerConfig) *Affine {
	return &Affine{Name: name, NumOutputs: numOutputs, Config: config}
}

func (l *Affine) pathElement() {}

// apply emits the layer's graph nodes: a dense transformation with bias,
// followed by the configured activation.
func (l *Affine) apply(ctx *context.Context, x *Node) *Node {
	stddev := l.Config.Init.Stddev
	if stddev <= 0 {
		stddev = 0.01
	}
	ctx = ctx.In(l.Name)
	ctx.SetParam(initializers.ParamInitialSeed, l.Config.Init.Seed)
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev))
	x = layers.DenseWithBias(ctx, x, l.NumOutputs)
	if l.Config.Activation != "" {
		x = activations.Apply(activations.FromName(l.Config.Activation), x)
	}
	return x
}

// Path is an ordered sequence of elements (branch markers and layer
// descriptors) representing one route from the input to one output.
type Path []Element

// NewPath is a convenience constructor for a Path.
func NewPath(elements ...Element) Path {
	return Path(elements)
}

// terminal returns the last layer of the path, or nil if the path is empty
// or ends with a marker.
func (p Path) terminal() *Affine {
	if len(p) == 0 {
		return nil
	}
	layer, ok := p[len(p)-1].(*Affine)
	if !ok {
		return nil
	}
	return layer
}
