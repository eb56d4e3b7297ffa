package classifier

import (
	"context"
	"testing"

	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/arbor/internal/multicost"
	"github.com/janpfeifer/arbor/internal/parameters"
	"github.com/janpfeifer/arbor/internal/topology"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

const (
	testNumFeatures = 4
	testNumClasses  = 3
	testBatchSize   = 8
)

// buildTestTree is a small branching topology: a 16-unit trunk layer with
// the output head, plus one extra head forked after the trunk layer.
func buildTestTree() *topology.Tree {
	config := topology.LayerConfig{Init: topology.Init{Stddev: 0.1}, Activation: "relu"}
	fork := topology.NewBranch("fork")
	trunk := topology.NewPath(
		topology.NewAffine("hidden", 16, config),
		fork,
		topology.NewAffine("out", testNumClasses, topology.LayerConfig{Init: topology.Init{Stddev: 0.1}}),
	)
	head := topology.NewPath(
		fork,
		topology.NewAffine("head_out", testNumClasses, topology.LayerConfig{Init: topology.Init{Stddev: 0.1}}),
	)
	return topology.New(trunk, head).WithWeights(1, 0.5)
}

func buildTestCost(t *testing.T, tree *topology.Tree) *multicost.Multicost {
	crossEntropy := multicost.Cost(losses.SparseCategoricalCrossEntropyLogits)
	costs := make([]multicost.Cost, tree.NumLeaves())
	for ii := range costs {
		costs[ii] = crossEntropy
	}
	cost, err := multicost.New(costs, tree.Weights())
	require.NoError(t, err)
	return cost
}

// testBatch synthesizes a trivially separable minibatch: the class is the
// index of the hot feature.
func testBatch() (images, labels *tensors.Tensor) {
	images = tensors.FromShape(shapes.Make(dtypes.Float32, testBatchSize, testNumFeatures))
	labels = tensors.FromShape(shapes.Make(dtypes.Int32, testBatchSize, 1))
	tensors.MutableFlatData(images, func(flat []float32) {
		for example := 0; example < testBatchSize; example++ {
			flat[example*testNumFeatures+example%testNumClasses] = 1
		}
	})
	tensors.MutableFlatData(labels, func(flat []int32) {
		for example := 0; example < testBatchSize; example++ {
			flat[example] = int32(example % testNumClasses)
		}
	})
	return
}

func TestNewLeafCostMismatch(t *testing.T) {
	tree := buildTestTree()
	crossEntropy := multicost.Cost(losses.SparseCategoricalCrossEntropyLogits)
	cost, err := multicost.New([]multicost.Cost{crossEntropy}, []float64{1})
	require.NoError(t, err)
	_, err = New(tree, cost, parameters.Params{})
	require.Error(t, err)
}

func TestNewInvalidBatchSize(t *testing.T) {
	tree := buildTestTree()
	cost := buildTestCost(t, tree)
	for _, config := range []string{"batch_size=0", "batch_size=-8"} {
		_, err := New(tree, cost, parameters.NewFromConfigString(config))
		require.Errorf(t, err, "%q must be rejected", config)
	}
}

func TestTrainAndPredict(t *testing.T) {
	tree := buildTestTree()
	model, err := New(tree, buildTestCost(t, tree),
		parameters.NewFromConfigString("batch_size=8,learning_rate=0.5"))
	require.NoError(t, err)
	assert.Equal(t, 8, model.BatchSize())

	images, labels := testBatch()
	require.NoError(t, model.Init(images, labels))

	initialLoss, err := model.Loss(images, labels)
	require.NoError(t, err)

	var loss float32
	for step := 0; step < 100; step++ {
		loss, err = model.TrainStep(images, labels)
		require.NoError(t, err)
	}
	assert.Less(t, loss, initialLoss, "loss did not improve after 100 steps on a separable batch")

	predicted, err := model.Predict(images)
	require.NoError(t, err)
	require.Len(t, predicted, testBatchSize)
	for example, class := range predicted {
		assert.Equal(t, example%testNumClasses, class)
	}
}

func TestFitStopsOnCancel(t *testing.T) {
	tree := buildTestTree()
	model, err := New(tree, buildTestCost(t, tree), parameters.Params{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = model.Fit(ctx, nil, nil, 10, nil)
	require.ErrorIs(t, err, context.Canceled)
}
