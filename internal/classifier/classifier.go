// Package classifier binds a branching topology and its aggregated cost to a
// GoMLX backend: it owns the model context (weights and hyperparameters),
// the compiled executors for prediction, loss and training steps, and the
// optional checkpointing of the model to disk.
package classifier

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/arbor/internal/generics"
	"github.com/janpfeifer/arbor/internal/multicost"
	"github.com/janpfeifer/arbor/internal/parameters"
	"github.com/janpfeifer/arbor/internal/topology"
)

// ParamBatchSize is the context hyperparameter with the minibatch size.
const ParamBatchSize = "batch_size"

var (
	// Backend is a singleton, shared by all classifiers.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec synchronizes executor creation.
	muNewExec sync.Mutex
)

// Classifier is a trainable tree-structured model. It wraps the topology and
// the per-leaf cost aggregate with the GoMLX machinery to run them: weights
// live in the model context, and compiled executors serve prediction, loss
// evaluation and training steps.
type Classifier struct {
	tree *topology.Tree
	cost *multicost.Multicost

	// ctx holds the model weights and hyperparameters.
	ctx *context.Context

	// Executors.
	predictExec, lossExec, trainStepExec *context.Exec

	// checkpoint handler, if the model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// Hyperparameters cached values: they are also set in ctx.
	batchSize int

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// muLearning: "write" for training steps, "read" for inference.
	muLearning sync.RWMutex

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// New creates a Classifier for the given topology and cost aggregate.
//
// params may override hyperparameters (see ctx defaults below) and configure:
//
//   - "checkpoint": directory to load the model from / save it to.
//   - "keep": number of older checkpoint copies to keep around.
//
// The number of cost functions must match the number of topology leaves.
func New(tree *topology.Tree, cost *multicost.Multicost, params parameters.Params) (*Classifier, error) {
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	if tree.NumLeaves() != cost.NumLeaves() {
		return nil, errors.Errorf("topology has %d leaf outputs but the cost aggregate has %d cost functions",
			tree.NumLeaves(), cost.NumLeaves())
	}

	c := &Classifier{
		tree: tree,
		cost: cost,
		ctx:  context.New(),
	}
	c.ctx.RngStateReset()
	c.ctx.SetParams(map[string]any{
		ParamBatchSize:               128,
		optimizers.ParamLearningRate: 0.1,
		ParamMomentum:                0.9,
	})
	c.ctx = c.ctx.Checked(false)

	// Checkpointing, if configured: this also loads previously saved weights
	// and hyperparameters.
	checkpointDir, err := parameters.PopParamOr(params, "checkpoint", "")
	if err != nil {
		return nil, err
	}
	checkpointsToKeep, err := parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}
	if checkpointDir != "" {
		c.checkpoint, err = checkpoints.Build(c.ctx).
			Immediate().
			Keep(checkpointsToKeep).
			Dir(checkpointDir).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in path %s", checkpointDir)
		}
	}

	// Create the backend.
	_ = backend()

	// Overwrite hyperparameters from the given params.
	if err = extractParams(params, c.ctx); err != nil {
		return nil, err
	}
	for key := range params {
		klog.Warningf("Unknown configuration parameter %q ignored", key)
	}
	c.batchSize = context.GetParamOr(c.ctx, ParamBatchSize, 128)
	if c.batchSize < 1 {
		return nil, errors.Errorf("invalid %s=%d, must be at least 1", ParamBatchSize, c.batchSize)
	}

	// Optimizer used in training: the learning rate and momentum coefficient
	// are read from the context at graph building time.
	c.optimizer = NewMomentum()

	c.createExecutors()
	return c, nil
}

func (c *Classifier) createExecutors() {
	muNewExec.Lock()
	defer muNewExec.Unlock()
	ctx := c.ctx.Checked(false)
	c.predictExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return c.tree.Build(ctx, inputs[0])
		})
	c.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs, labels := inputsAndLabels[:1], inputsAndLabels[1:]
			predictions := c.tree.Build(ctx, inputs[0])
			return c.cost.LossGraph(labels, predictions)
		})
	c.trainStepExec = context.NewExec(backend(), c.ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			inputs, labels := inputsAndLabels[:1], inputsAndLabels[1:]
			predictions := c.tree.Build(ctx, inputs[0])
			loss := c.cost.LossGraph(labels, predictions)
			c.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
}

// extractParams overwrites the context hyperparameters from the given params,
// popping every key it consumes.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			var value int
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		case float64:
			var value float64
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		case float32:
			var value float32
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		case bool:
			var value bool
			value, err = parameters.PopParamOr(params, key, defaultValue)
			if err == nil {
				ctx.SetParam(key, value)
			}
		default:
			err = errors.Errorf("hyperparameter %q is of unsupported type %T", key, defaultValue)
		}
	})
	return err
}

// Context returns the model context, with its weights and hyperparameters.
func (c *Classifier) Context() *context.Context { return c.ctx }

// BatchSize returns the configured minibatch size.
func (c *Classifier) BatchSize() int { return c.batchSize }

// String implements fmt.Stringer.
func (c *Classifier) String() string {
	if c == nil {
		return "<nil>[GoMLX]"
	}
	name := fmt.Sprintf("tree(%d leaves)[GoMLX/%s]", c.tree.NumLeaves(), backend().Name())
	if c.checkpoint != nil && c.checkpoint.Dir() != "" {
		name = fmt.Sprintf("%s@%s", name, c.checkpoint.Dir())
	}
	return name
}

// Init binds the model to the dataset: it runs the loss graph once on the
// iterator's first minibatch, which resolves every layer's tensor shapes and
// creates (or loads) the weight variables. Shape mismatches between the
// topology and the data surface as errors here.
func (c *Classifier) Init(images, labels *tensors.Tensor) error {
	if _, err := c.Loss(images, labels); err != nil {
		return errors.WithMessage(err, "failed to initialize model, topology and data shapes disagree?")
	}
	return nil
}

// TrainStep runs one forward/backward pass on the minibatch and updates the
// weights. It returns the (weighted, aggregated) minibatch loss, and fails
// if the loss diverged to NaN or Inf.
func (c *Classifier) TrainStep(images, labels *tensors.Tensor) (loss float32, err error) {
	c.muLearning.Lock()
	defer c.muLearning.Unlock()
	err = exceptions.TryCatch[error](func() {
		lossT := c.trainStepExec.Call(images, labels)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	if err != nil {
		return 0, errors.WithMessage(err, "training step failed")
	}
	if math32.IsNaN(loss) || math32.IsInf(loss, 0) {
		return loss, errors.Errorf("loss diverged to %f", loss)
	}
	return loss, nil
}

// Loss returns the aggregated loss on the minibatch, without updating weights.
func (c *Classifier) Loss(images, labels *tensors.Tensor) (loss float32, err error) {
	c.muLearning.RLock()
	defer c.muLearning.RUnlock()
	err = exceptions.TryCatch[error](func() {
		lossT := c.lossExec.Call(images, labels)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	return loss, err
}

// Predict returns the predicted class per example, the argmax of the primary
// (trunk) leaf's output.
func (c *Classifier) Predict(images *tensors.Tensor) ([]int, error) {
	leaves, err := c.predictLeaves(images)
	if err != nil {
		return nil, err
	}
	return decodeClasses(leaves[0]), nil
}

// predictLeaves runs the forward graph and returns all leaf outputs.
func (c *Classifier) predictLeaves(images *tensors.Tensor) (leaves []*tensors.Tensor, err error) {
	c.muLearning.RLock()
	defer c.muLearning.RUnlock()
	err = exceptions.TryCatch[error](func() {
		leaves = c.predictExec.Call(images)
	})
	return leaves, err
}

// decodeClasses converts one leaf output, shaped [batch, numClasses], to the
// per-example argmax class.
func decodeClasses(leaf *tensors.Tensor) []int {
	numExamples := leaf.Shape().Dim(0)
	numClasses := leaf.Shape().Dim(1)
	logits := tensors.CopyFlatData[float32](leaf)
	classes := make([]int, numExamples)
	for ii := range classes {
		classes[ii] = generics.ArgMax(logits[ii*numClasses : (ii+1)*numClasses])
	}
	return classes
}

// Save writes the model weights and hyperparameters to the checkpoint
// directory, if one was configured.
func (c *Classifier) Save() error {
	c.muSave.Lock()
	defer c.muSave.Unlock()
	if c.checkpoint == nil {
		klog.Warningf("Model %s is not associated to a checkpoint directory, not saving", c)
		return nil
	}
	return c.checkpoint.Save()
}

// Finalize frees the backend resources held by the executors and the model
// context, leaving the classifier unusable.
func (c *Classifier) Finalize() {
	c.predictExec.Finalize()
	c.lossExec.Finalize()
	c.trainStepExec.Finalize()
	c.ctx.Finalize()
}
