// Package training assembles the pieces into a gomlx training step and
// drives it through the curriculum: push-forward noise applied without
// gradients, gradient-carrying jumps, multi-horizon direct losses, and
// the per-phase optimizer and evaluation bookkeeping.
package training

import (
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/sprmsv/graphneuralpdesolver/autoregressive"
	"github.com/sprmsv/graphneuralpdesolver/dataset"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// BuildModelFn returns the train.ModelFn of one training step. The batch
// spec carries the curriculum parameters and the random noise/grads
// split, so each distinct spec compiles its own graph.
//
// The step reads inputs[0] (unroll start states), inputs[1] (direct
// targets) and optionally inputs[2] (equation parameters), advances the
// start states by the push-forward jumps, and accumulates one direct
// loss per horizon k = 1..directSteps at step multiplier k*jumpSteps,
// equally weighted. It outputs the stacked physical direct predictions
// and the loss.
func BuildModelFn(op autoregressive.Operator, normalizer *autoregressive.Normalizer) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		bs, ok := spec.(*dataset.BatchSpec)
		if !ok {
			exceptions.Panicf("training: batch spec is %T, want *dataset.BatchSpec", spec)
		}
		uInp, uTgt := inputs[0], inputs[1]
		var specs *Node
		if bs.UseSpecs {
			specs = inputs[2]
		}

		predictor := &autoregressive.Predictor{
			Operator:       op,
			Normalizer:     normalizer,
			NumStepsDirect: bs.DirectSteps,
			NdtBase:        bs.JumpSteps,
		}
		u := uInp
		if bs.NoiseSteps > 0 {
			u = predictor.JumpStopGradient(ctx, specs, u, bs.NoiseSteps)
		}
		if bs.GradSteps > 0 {
			u = predictor.Jump(ctx, specs, u, bs.GradSteps)
		}

		lossFn := must.M1(losses.LossFromContext(ctx))
		predictions := make([]*Node, 0, bs.DirectSteps)
		var loss *Node
		for k := 1; k <= bs.DirectSteps; k++ {
			ndt := k * bs.JumpSteps
			target := Slice(uTgt, AxisRange(), AxisElem(k-1), AxisRange(), AxisRange())
			predNorm, targetNorm := normalizer.LossInputs(ctx, op, specs, u, target, ndt)
			l := lossFn([]*Node{targetNorm}, []*Node{predNorm})
			if !l.IsScalar() {
				l = ReduceAllMean(l)
			}
			if loss == nil {
				loss = l
			} else {
				loss = Add(loss, l)
			}
			predictions = append(predictions, Add(u, normalizer.UnnormalizeResidual(predNorm, ndt)))
		}
		loss = DivScalar(loss, float64(bs.DirectSteps))

		prediction := predictions[0]
		if len(predictions) > 1 {
			prediction = Concatenate(predictions, 1)
		}
		return []*Node{prediction, loss}
	}
}

// lossFromPredictions implements losses.LossFn for trainers built on
// BuildModelFn: the model emits its loss as the second output.
func lossFromPredictions(labels, predictions []*Node) *Node {
	return predictions[1]
}
