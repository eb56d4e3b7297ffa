package classifier

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// ParamMomentum is the context hyperparameter with the momentum coefficient
// used by the Momentum optimizer.
const ParamMomentum = "momentum"

// velocityScope holds the optimizer's velocity slots, one non-trainable
// variable per trainable model variable.
const velocityScope = "momentum_velocities"

// Momentum implements gradient descent with momentum:
//
//	velocity <- momentum*velocity - learning_rate*gradient
//	weight   <- weight + velocity
//
// Learning rate and momentum coefficient are read from the context
// hyperparameters (optimizers.ParamLearningRate and ParamMomentum) at graph
// building time.
type Momentum struct{}

// NewMomentum returns a gradient-descent-with-momentum optimizer.
func NewMomentum() *Momentum {
	return &Momentum{}
}

// Compile-time assert Momentum can be used wherever GoMLX takes an optimizer.
var _ optimizers.Interface = (*Momentum)(nil)

// UpdateGraph implements optimizers.Interface: it adds the update of all
// trainable variables (and their velocity slots) to the graph.
func (o *Momentum) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	learningRate := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.1)
	momentum := context.GetParamOr(ctx, ParamMomentum, 0.9)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	numUpdated := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if numUpdated >= len(grads) {
			numUpdated++
			return
		}
		grad := grads[numUpdated]
		numUpdated++

		velocityVar := o.velocityFor(ctx, v)
		velocity := velocityVar.ValueGraph(g)
		velocity = Sub(MulScalar(velocity, momentum), MulScalar(grad, learningRate))
		velocityVar.SetValueGraph(velocity)
		v.SetValueGraph(Add(v.ValueGraph(g), velocity))
	})
	if numUpdated != len(grads) {
		exceptions.Panicf("momentum optimizer got %d gradients for %d trainable variables in use",
			len(grads), numUpdated)
	}
	optimizers.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)
}

// velocityFor returns (creating it on first use) the velocity slot of the
// given trainable variable.
func (o *Momentum) velocityFor(ctx *context.Context, v *context.Variable) *context.Variable {
	// One flat name per variable: scopes are not nested under the velocity scope.
	name := strings.ReplaceAll(v.Scope(), context.ScopeSeparator, "_") + "_" + v.Name()
	velocityCtx := ctx.Checked(false).In(velocityScope).WithInitializer(initializers.Zero)
	velocityVar := velocityCtx.VariableWithShape(name, v.Shape())
	velocityVar.Trainable = false
	return velocityVar
}

// Clear implements optimizers.Interface: it drops all velocity slots.
func (o *Momentum) Clear(ctx *context.Context) {
	ctx.In(velocityScope).DeleteVariablesInScope()
}
