package topology

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var testConfig = LayerConfig{Init: Init{Stddev: 0.01}, Activation: "relu"}

// buildExampleTree assembles the canonical exercise topology: a trunk of
// 100, 32, 16 and 10 unit layers, with two 16->10 branch heads.
func buildExampleTree() *Tree {
	b1 := NewBranch("b1")
	b2 := NewBranch("b2")
	trunk := NewPath(
		NewAffine("trunk_100", 100, testConfig),
		b1,
		NewAffine("trunk_32", 32, testConfig),
		b2,
		NewAffine("trunk_16", 16, testConfig),
		NewAffine("trunk_out", 10, LayerConfig{}),
	)
	branch1 := NewPath(b1, NewAffine("branch1_16", 16, testConfig), NewAffine("branch1_out", 10, LayerConfig{}))
	branch2 := NewPath(b2, NewAffine("branch2_16", 16, testConfig), NewAffine("branch2_out", 10, LayerConfig{}))
	return New(trunk, branch1, branch2).WithWeights(1, 0.25, 0.25)
}

func TestValidate(t *testing.T) {
	tree := buildExampleTree()
	require.NoError(t, tree.Validate())
	assert.Equal(t, 3, tree.NumLeaves())
	assert.Equal(t, []float64{1, 0.25, 0.25}, tree.Weights())
}

func TestValidateErrors(t *testing.T) {
	b := NewBranch("b")
	layer := func(name string) *Affine { return NewAffine(name, 4, testConfig) }
	for _, test := range []struct {
		name string
		tree *Tree
	}{
		{"no paths", New()},
		{"weights count mismatch", New(NewPath(layer("l0"))).WithWeights(1, 2)},
		{"negative weight", New(NewPath(layer("l0"))).WithWeights(-1)},
		{
			"undefined marker head",
			New(
				NewPath(layer("l0")),
				NewPath(NewBranch("unknown"), layer("l1")),
			),
		},
		{
			"defined marker referenced mid-path",
			New(
				NewPath(layer("l0"), b, layer("l1")),
				NewPath(b, layer("l2"), b, layer("l3")),
			),
		},
		{
			"leaf path without marker head",
			New(
				NewPath(layer("l0"), b, layer("l1")),
				NewPath(layer("l2")),
			),
		},
		{"path ends with marker", New(NewPath(layer("l0"), b))},
		{"path without layers", New(NewPath(b))},
		{
			"duplicate layer name",
			New(NewPath(layer("l0"), b, layer("l0")), NewPath(b, layer("l1"))),
		},
		{"empty layer name", New(NewPath(NewAffine("", 4, testConfig)))},
		{"zero output units", New(NewPath(NewAffine("l0", 0, testConfig)))},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.tree.Validate()
			require.Error(t, err)
			t.Logf("got (expected) error: %v", err)
		})
	}
}

// TestLeafLayers checks the exercise topology exposes exactly three terminal
// layers, each emitting one unit per target class.
func TestLeafLayers(t *testing.T) {
	tree := buildExampleTree()
	require.NoError(t, tree.Validate())
	leaves := tree.LeafLayers()
	require.Len(t, leaves, 3)
	for _, leaf := range leaves {
		require.NotNil(t, leaf)
		assert.Equal(t, 10, leaf.NumOutputs)
	}
}

// TestBuild initializes the exercise topology against MNIST-shaped inputs
// and checks each leaf emits a 10-wide output per example, and that forked
// paths share one set of trunk variables.
func TestBuild(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tree := buildExampleTree()
	require.NoError(t, tree.Validate())

	const batchSize = 8
	ctx := context.New()
	ctx.RngStateReset()
	exec := context.NewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return tree.Build(ctx, inputs[0])
		})

	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 28*28))
	leaves := exec.Call(images)
	require.Len(t, leaves, 3)
	for _, leaf := range leaves {
		assert.Equal(t, batchSize, leaf.Shape().Dim(0))
		assert.Equal(t, 10, leaf.Shape().Dim(1))
	}

	// 8 affine layers, one weights and one bias variable each: a shared
	// prefix re-executed per path would have created more.
	numVariables := 0
	ctx.EnumerateVariables(func(v *context.Variable) { numVariables++ })
	assert.Equal(t, 16, numVariables)
}

func TestString(t *testing.T) {
	tree := buildExampleTree()
	s := tree.String()
	assert.Contains(t, s, "trunk: input")
	assert.Contains(t, s, "[b1]")
	assert.Contains(t, s, "trunk_out(10)")
	assert.Contains(t, s, "*0.25")
}
