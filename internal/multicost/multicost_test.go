package multicost

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestNew(t *testing.T) {
	crossEntropy := Cost(losses.SparseCategoricalCrossEntropyLogits)

	m, err := New([]Cost{crossEntropy, crossEntropy}, []float64{1, 0.25})
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumLeaves())
	assert.Equal(t, []float64{1, 0.25}, m.Weights())

	_, err = New(nil, nil)
	require.Error(t, err)
	_, err = New([]Cost{crossEntropy}, []float64{1, 0.25})
	require.Error(t, err)
	_, err = New([]Cost{crossEntropy}, []float64{-1})
	require.Error(t, err)
}

// lossFor evaluates m on fixed logits for two leaves, with one label tensor
// broadcast to both.
func lossFor(t *testing.T, m *Multicost) float32 {
	backend := graphtest.BuildTestBackend()
	exec := context.NewExec(backend, context.New().Checked(false),
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			g := inputs[0].Graph()
			labels := graph.Const(g, [][]int32{{0}, {1}})
			leaf0 := graph.Const(g, [][]float32{{2, -1, 0}, {-1, 2, 0}})
			leaf1 := graph.Const(g, [][]float32{{0, 0, 0}, {0, 0, 0}})
			return m.LossGraph([]*graph.Node{labels}, []*graph.Node{leaf0, leaf1})
		})
	lossT := exec.Call(tensors.FromScalar(float32(0)))[0]
	return tensors.ToScalar[float32](lossT)
}

// TestLossGraphWeights checks a zero-weighted leaf contributes nothing, and
// that leaf weights scale the total loss.
func TestLossGraphWeights(t *testing.T) {
	crossEntropy := Cost(losses.SparseCategoricalCrossEntropyLogits)

	onlyFirst, err := New([]Cost{crossEntropy, crossEntropy}, []float64{1, 0})
	require.NoError(t, err)
	lossFirst := lossFor(t, onlyFirst)
	assert.Greater(t, lossFirst, float32(0))

	onlySecond, err := New([]Cost{crossEntropy, crossEntropy}, []float64{0, 1})
	require.NoError(t, err)
	lossSecond := lossFor(t, onlySecond)
	assert.Greater(t, lossSecond, float32(0))

	both, err := New([]Cost{crossEntropy, crossEntropy}, []float64{1, 0.5})
	require.NoError(t, err)
	lossBoth := lossFor(t, both)
	assert.InDelta(t, lossFirst+0.5*lossSecond, lossBoth, 1e-4)
}
