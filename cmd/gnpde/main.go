// Command gnpde trains an autoregressive neural PDE solver on synthetic
// trajectories: it generates a dataset for the chosen equation, computes
// the normalization statistics, builds the curriculum schedule and runs
// it, checkpointing and logging per-epoch metrics along the way.
//
// Hyperparameters are set with --set, e.g.:
//
//	gnpde --set="equation=wave;model=cnn;epochs=20;unroll_steps=2"
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sprmsv/graphneuralpdesolver/autoregressive"
	"github.com/sprmsv/graphneuralpdesolver/curriculum"
	"github.com/sprmsv/graphneuralpdesolver/dataset"
	"github.com/sprmsv/graphneuralpdesolver/model"
	"github.com/sprmsv/graphneuralpdesolver/pde"
	"github.com/sprmsv/graphneuralpdesolver/training"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
	flagMetrics        = flag.String("metrics", "", "File to append per-epoch metrics to, as JSON lines. If left empty, metrics are not saved.")
	flagSeed           = flag.Int64("seed", 42, "Seed of the dataset generator.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		model.ParamModel: "cnn",

		// Dataset generation.
		"equation":         "advection",
		"num_samples":      640,
		"num_valid":        64,
		"len_traj":         129,
		"num_grid_points":  128,
		"time_step":        0.01,
		"domain_length":    1.0,
		"num_modes":        8,
		"space_downsample": 1,

		// Curriculum.
		"epochs":          60,
		"direct_steps":    4,
		"unroll_steps":    2,
		"lr_decay":        0.5,
		"jump_steps":      2,
		"batch_size":      32,
		"eval_batch_size": 64,
		"eval_train":      false,

		// Normalization of the operator output.
		"time_derivative": false,

		"loss":                         "mse",
		optimizers.ParamOptimizer:      "adamw",
		optimizers.ParamLearningRate:   1e-4,
		activations.ParamActivation:    "swish",
		fnn.ParamNumHiddenLayers:       4,
		fnn.ParamNumHiddenNodes:        128,
		model.ParamCNNLayers:           4,
		model.ParamCNNChannels:         64,
		model.ParamCNNKernelSize:       7,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	runID := uuid.NewString()
	fmt.Printf("Run %s\n", runID)

	rng := rand.New(rand.NewSource(*flagSeed))
	raw := generateDataset(ctx, rng)

	jumpSteps := context.GetParamOr(ctx, "jump_steps", 1)
	directSteps := context.GetParamOr(ctx, "direct_steps", 1)
	unrollSteps := context.GetParamOr(ctx, "unroll_steps", 0)
	numValid := context.GetParamOr(ctx, "num_valid", 0)

	if factor := context.GetParamOr(ctx, "space_downsample", 1); factor > 1 {
		raw = must.M1(raw.SpaceDownsample(factor))
	}

	// Drop trailing frames so trajectories downsample evenly.
	if usable := (raw.LenTraj-1)/jumpSteps*jumpSteps + 1; usable != raw.LenTraj {
		klog.Warningf("truncating trajectories from %d to %d frames to match jump_steps=%d",
			raw.LenTraj, usable, jumpSteps)
		raw = must.M1(raw.Truncate(usable))
	}

	rawTrain, rawValid, _, err := raw.Split(raw.NumSamples-numValid, numValid, 0)
	must.M(err)

	stepSizes := make([]int, directSteps)
	for k := range stepSizes {
		stepSizes[k] = (k + 1) * jumpSteps
	}
	timeStep := context.GetParamOr(ctx, "time_step", 0.01)
	stats := must.M1(dataset.ComputeStats(rawTrain, stepSizes, timeStep))
	normalizer := &autoregressive.Normalizer{
		Stats:          stats,
		TimeDerivative: context.GetParamOr(ctx, "time_derivative", false),
		TimeStep:       timeStep,
	}

	downTrain := must.M1(rawTrain.Downsample(jumpSteps))
	trainDS := must.M1(dataset.NewTraining("train", downTrain, jumpSteps,
		context.GetParamOr(ctx, "batch_size", 32)))
	var downValid *dataset.Trajectories
	if numValid > 0 {
		downValid = must.M1(rawValid.Downsample(jumpSteps))
	}

	op := must.M1(model.FromContext(ctx))
	schedule := must.M1(curriculum.Build(
		context.GetParamOr(ctx, "epochs", 1),
		directSteps, unrollSteps,
		context.GetParamOr(ctx, "lr_decay", 1.0)))
	fmt.Printf("Schedule (%d phases):\n", len(schedule))
	for _, phase := range schedule {
		fmt.Printf("\t%s\n", phase)
	}

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(runID, *flagCheckpoint).
			Keep(*flagCheckpointKeep).
			Done())
	}

	cfg := training.Config{
		Backend:       backend,
		Context:       ctx,
		Operator:      op,
		Normalizer:    normalizer,
		Schedule:      schedule,
		Train:         trainDS,
		JumpSteps:     jumpSteps,
		Valid:         downValid,
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 0),
		Checkpoint:    checkpoint,
	}
	if context.GetParamOr(ctx, "eval_train", false) {
		cfg.TrainEval = downTrain
	}
	if *flagMetrics != "" {
		must.M(os.MkdirAll(filepath.Dir(*flagMetrics), 0o755))
		metricsFile := must.M1(os.OpenFile(*flagMetrics, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644))
		defer metricsFile.Close()
		cfg.MetricsWriter = metricsFile
	}

	metrics := must.M1(training.Run(cfg))
	last := metrics[len(metrics)-1]
	if last.Eval != nil {
		fmt.Printf("Final direct L2: %.5f\tRollout L2: %.5f\tRollout L1: %.5f\n",
			last.Eval.DirectL2, last.Eval.RolloutL2, last.Eval.RolloutL1)
	}
}

// generateDataset synthesizes the trajectories in chunks, with a
// progress bar over the samples.
func generateDataset(ctx *context.Context, rng *rand.Rand) *dataset.Trajectories {
	equation := context.GetParamOr(ctx, "equation", "advection")
	cfg := pde.Config{
		NumSamples:    context.GetParamOr(ctx, "num_samples", 1),
		LenTraj:       context.GetParamOr(ctx, "len_traj", 2),
		NumGridPoints: context.GetParamOr(ctx, "num_grid_points", 4),
		TimeStep:      context.GetParamOr(ctx, "time_step", 0.01),
		DomainLength:  context.GetParamOr(ctx, "domain_length", 1.0),
		NumModes:      context.GetParamOr(ctx, "num_modes", 1),
	}
	total := cfg.NumSamples
	bar := progressbar.Default(int64(total), "generating "+equation)

	const chunkSize = 64
	var data, specs []float32
	numVars, numSpecs := 0, 0
	for generated := 0; generated < total; generated += chunkSize {
		cfg.NumSamples = min(chunkSize, total-generated)
		chunk := must.M1(pde.FromName(equation, cfg, rng))
		data = append(data, chunk.Data...)
		specs = append(specs, chunk.Specs...)
		numVars, numSpecs = chunk.NumVars, chunk.NumSpecs
		must.M(bar.Add(cfg.NumSamples))
	}
	must.M(bar.Finish())

	tr := must.M1(dataset.New(data, total, cfg.LenTraj, cfg.NumGridPoints, numVars))
	must.M(tr.WithSpecs(specs, numSpecs))
	fmt.Printf("Generated %s samples of %q (%s)\n",
		humanize.Comma(int64(total)), equation, humanize.Bytes(uint64(4*len(data))))
	return tr
}
