// arbor-mnist trains a branching (tree-structured) feed-forward network on
// MNIST: one trunk of fully-connected layers with two extra branch heads,
// each leaf contributing a weighted cross-entropy loss.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/arbor/internal/classifier"
	"github.com/janpfeifer/arbor/internal/datasets/mnist"
	"github.com/janpfeifer/arbor/internal/multicost"
	"github.com/janpfeifer/arbor/internal/parameters"
	"github.com/janpfeifer/arbor/internal/profilers"
	"github.com/janpfeifer/arbor/internal/topology"
	"github.com/janpfeifer/arbor/internal/ui/progress"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	flagDataDir = flag.String("data_dir", "~/.cache/arbor/mnist",
		"Directory to download the MNIST dataset to.")
	flagEpochs     = flag.Int("epochs", 10, "Number of training epochs.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to load the model from / save it to. Empty means no checkpointing.")
	flagParams = flag.String("params", "",
		"Hyperparameter overrides as a \"key=value,key=value\" configuration string, "+
			"e.g. \"learning_rate=0.1,momentum=0.9,batch_size=128\".")
	flagConfusion = flag.Bool("confusion", false,
		"Print the per-class confusion summary after training.")
)

// Globals
var (
	// globalCtx is cancelled when the program is about to exit, either by an
	// interrupt (Ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C.
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	progress.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	must.M(profilers.Setup(globalCtx))
	defer profilers.OnQuit()

	must.M(run(globalCtx))
}

// buildTopology assembles the exercise's tree: a trunk of 100, 32, 16 and 10
// unit layers, plus two branch heads of 16 and 10 units forking after the
// first and second trunk layers. Every terminal layer emits one logit per
// digit class.
func buildTopology() *topology.Tree {
	hidden := topology.LayerConfig{
		Init:       topology.Init{Stddev: 0.01},
		Activation: "relu",
	}
	// Terminal layers emit raw logits, the cross-entropy cost takes care of
	// the normalization.
	output := topology.LayerConfig{Init: topology.Init{Stddev: 0.01}}

	b1 := topology.NewBranch("b1")
	b2 := topology.NewBranch("b2")
	trunk := topology.NewPath(
		topology.NewAffine("trunk_100", 100, hidden),
		b1,
		topology.NewAffine("trunk_32", 32, hidden),
		b2,
		topology.NewAffine("trunk_16", 16, hidden),
		topology.NewAffine("trunk_out", mnist.NumClasses, output),
	)
	branch1 := topology.NewPath(
		b1,
		topology.NewAffine("branch1_16", 16, hidden),
		topology.NewAffine("branch1_out", mnist.NumClasses, output),
	)
	branch2 := topology.NewPath(
		b2,
		topology.NewAffine("branch2_16", 16, hidden),
		topology.NewAffine("branch2_out", mnist.NumClasses, output),
	)
	return topology.New(trunk, branch1, branch2).WithWeights(1, 0.25, 0.25)
}

func run(ctx context.Context) error {
	// Dataset: training and held-out validation minibatch streams.
	dataDir := must.M1(expandPath(*flagDataDir))
	if err := mnist.Download(dataDir); err != nil {
		return err
	}
	data, err := mnist.Load(dataDir)
	if err != nil {
		return err
	}

	// Topology and per-leaf costs: one cross-entropy per leaf, the single
	// MNIST label tensor is broadcast to all three leaves.
	tree := buildTopology()
	costs := make([]multicost.Cost, tree.NumLeaves())
	for ii := range costs {
		costs[ii] = losses.SparseCategoricalCrossEntropyLogits
	}
	cost, err := multicost.New(costs, tree.Weights())
	if err != nil {
		return err
	}

	// Model.
	params := parameters.NewFromConfigString(*flagParams)
	if *flagCheckpoint != "" {
		params["checkpoint"] = *flagCheckpoint
	}
	model, err := classifier.New(tree, cost, params)
	if err != nil {
		return err
	}
	fmt.Printf("Topology:\n%s\n", tree)

	trainIt, err := data.Train.Iter(model.BatchSize(), true)
	if err != nil {
		return err
	}
	validIt, err := data.Valid.Iter(model.BatchSize(), false)
	if err != nil {
		return err
	}

	// Bind the model to the dataset: resolves per-layer tensor shapes.
	images, labels, ok := trainIt.Next()
	if !ok {
		return fmt.Errorf("training set (%d examples) smaller than one batch (%d)",
			data.Train.Num, model.BatchSize())
	}
	if err = model.Init(images, labels); err != nil {
		return err
	}
	trainIt.Reset()

	// Train.
	reporter := progress.NewReporter(*flagEpochs)
	if err = model.Fit(ctx, trainIt, validIt, *flagEpochs, reporter.Report); err != nil {
		return err
	}

	// Final evaluation.
	confusion, err := model.Evaluate(validIt)
	if err != nil {
		return err
	}
	fmt.Printf("Misclassification error = %.1f%%\n", 100*confusion.ErrorRate())
	if *flagConfusion {
		fmt.Print(confusion)
	}
	return nil
}
