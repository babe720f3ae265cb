package training

import (
	"sort"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/autoregressive"
	"github.com/sprmsv/graphneuralpdesolver/dataset"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// EvalResult aggregates the held-out errors of one evaluation pass.
// Each error is first computed per sample and variable, then reduced by
// the median over samples and the mean over variables, so single blown
// up rollouts do not dominate the score.
type EvalResult struct {
	// DirectL2 is the relative L2 error of single operator
	// applications, averaged over every valid lead time and every
	// direct horizon ndt in {jump, ..., directSteps*jump}.
	DirectL2 float64

	// RolloutL1 and RolloutL2 are the relative errors of the full
	// autoregressive rollout against the reference trajectory.
	RolloutL1 float64
	RolloutL2 float64
}

// Evaluator runs direct and autoregressive rollout evaluation of an
// operator on held-out trajectories. The rollout covers the whole
// trajectory from its initial state, one operator application per
// downsampled step.
type Evaluator struct {
	trajs     *dataset.Trajectories
	batchSize int
	exec      *context.Exec
}

// NewEvaluator compiles the evaluation graphs for the given operator on
// held-out trajectories. batchSize must divide the sample count, and the
// trajectories must be long enough for the largest direct horizon.
func NewEvaluator(backend backends.Backend, ctx *context.Context, op autoregressive.Operator,
	normalizer *autoregressive.Normalizer, trajs *dataset.Trajectories, jumpSteps, directSteps, batchSize int) (*Evaluator, error) {
	if batchSize < 1 || trajs.NumSamples%batchSize != 0 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"eval batch size %d does not divide %d samples", batchSize, trajs.NumSamples)
	}
	if directSteps < 1 || trajs.LenTraj <= directSteps {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"cannot evaluate %d direct steps on length-%d trajectories", directSteps, trajs.LenTraj)
	}
	ndts := make([]int, directSteps)
	for k := range ndts {
		ndts[k] = (k + 1) * jumpSteps
	}
	if err := normalizer.ValidateStepSizes(ndts...); err != nil {
		return nil, err
	}

	predictor := &autoregressive.Predictor{
		Operator:       op,
		Normalizer:     normalizer,
		NumStepsDirect: 1,
		NdtBase:        jumpSteps,
	}
	errorsGraph := func(ctx *context.Context, trajectories, specs *Node) (rolloutL1, rolloutL2, directL2 *Node) {
		numSteps := trajectories.Shape().Dimensions[1] - 1
		uInp := Slice(trajectories, AxisRange(), AxisElem(0), AxisRange(), AxisRange())
		target := Slice(trajectories, AxisRange(), AxisRange(1), AxisRange(), AxisRange())

		predicted, _ := predictor.Unroll(ctx, specs, uInp, numSteps)
		rolloutL1 = relativeL1(predicted, target)
		rolloutL2 = relativeL2(predicted, target)

		directL2 = directErrors(ctx, op, normalizer, trajectories, specs, jumpSteps, directSteps)
		return
	}

	var exec *context.Exec
	var err error
	if trajs.HasSpecs() {
		exec, err = context.NewExec(backend, ctx,
			func(ctx *context.Context, trajectories, specs *Node) (l1, l2, direct *Node) {
				return errorsGraph(ctx, trajectories, specs)
			})
	} else {
		exec, err = context.NewExec(backend, ctx,
			func(ctx *context.Context, trajectories *Node) (l1, l2, direct *Node) {
				return errorsGraph(ctx, trajectories, nil)
			})
	}
	if err != nil {
		return nil, errors.WithMessage(err, "compiling evaluation")
	}
	return &Evaluator{trajs: trajs, batchSize: batchSize, exec: exec}, nil
}

// Run evaluates the current variable values over all held-out samples.
func (ev *Evaluator) Run() (EvalResult, error) {
	numVars := ev.trajs.NumVars
	perVar := make([][]float64, 3) // rollout L1, rollout L2, direct L2
	for start := 0; start < ev.trajs.NumSamples; start += ev.batchSize {
		u, specs, err := ev.trajs.Batch(start, ev.batchSize)
		if err != nil {
			return EvalResult{}, err
		}
		args := []any{u}
		if specs != nil {
			args = append(args, specs)
		}
		l1, l2, direct, err := ev.exec.Exec3(args...)
		if err != nil {
			return EvalResult{}, errors.WithMessage(err, "evaluating batch")
		}
		for i, out := range []*tensors.Tensor{l1, l2, direct} {
			flat := tensors.MustCopyFlatData[float32](out)
			for _, v := range flat {
				perVar[i] = append(perVar[i], float64(v))
			}
		}
	}
	return EvalResult{
		RolloutL1: medianOverSamples(perVar[0], numVars),
		RolloutL2: medianOverSamples(perVar[1], numVars),
		DirectL2:  medianOverSamples(perVar[2], numVars),
	}, nil
}

// directErrors computes the relative L2 error of single operator
// applications for each horizon k*jumpSteps, k = 1..directSteps, from
// every lead time that leaves a target frame in the trajectory. Lead
// times are folded into the batch axis before the operator call, then
// averaged away with the horizons, leaving [batch, vars].
func directErrors(ctx *context.Context, op autoregressive.Operator, normalizer *autoregressive.Normalizer,
	trajectories, specs *Node, jumpSteps, directSteps int) *Node {
	dims := trajectories.Shape().Dimensions
	batch, lenTraj, space, numVars := dims[0], dims[1], dims[2], dims[3]
	var total *Node
	for k := 1; k <= directSteps; k++ {
		numLeads := lenTraj - k
		uInp := Reshape(
			Slice(trajectories, AxisRange(), AxisRange(0, numLeads), AxisRange(), AxisRange()),
			batch*numLeads, 1, space, numVars)
		target := Reshape(
			Slice(trajectories, AxisRange(), AxisRange(k), AxisRange(), AxisRange()),
			batch*numLeads, 1, space, numVars)
		var leadSpecs *Node
		if specs != nil {
			numSpecs := specs.Shape().Dimensions[1]
			leadSpecs = Reshape(
				BroadcastToDims(InsertAxes(specs, 1), batch, numLeads, numSpecs),
				batch*numLeads, numSpecs)
		}
		predicted := normalizer.Apply(ctx, op, leadSpecs, uInp, k*jumpSteps)
		errK := ReduceMean(
			Reshape(relativeL2(predicted, target), batch, numLeads, numVars), 1)
		if total == nil {
			total = errK
		} else {
			total = Add(total, errK)
		}
	}
	return DivScalar(total, float64(directSteps))
}

// relativeL2 reduces over the time and space axes, returning the ratio
// of error to target L2 norms per sample and variable, [batch, vars].
func relativeL2(predicted, target *Node) *Node {
	err := Sub(predicted, target)
	num := Sqrt(ReduceSum(Square(err), 1, 2))
	den := Sqrt(ReduceSum(Square(target), 1, 2))
	return Div(num, AddScalar(den, 1e-12))
}

// relativeL1 is the L1 counterpart of relativeL2.
func relativeL1(predicted, target *Node) *Node {
	err := Sub(predicted, target)
	num := ReduceSum(Abs(err), 1, 2)
	den := ReduceSum(Abs(target), 1, 2)
	return Div(num, AddScalar(den, 1e-12))
}

// medianOverSamples takes flat [samples, vars] values, computes the
// median over samples per variable and averages the medians.
func medianOverSamples(flat []float64, numVars int) float64 {
	numSamples := len(flat) / numVars
	if numSamples == 0 {
		return 0
	}
	total := 0.0
	column := make([]float64, numSamples)
	for v := 0; v < numVars; v++ {
		for s := 0; s < numSamples; s++ {
			column[s] = flat[s*numVars+v]
		}
		sort.Float64s(column)
		if numSamples%2 == 1 {
			total += column[numSamples/2]
		} else {
			total += (column[numSamples/2-1] + column[numSamples/2]) / 2
		}
	}
	return total / float64(numVars)
}
