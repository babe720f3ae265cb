package autoregressive

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Predictor drives repeated applications of a normalized operator over a
// trajectory. A rollout advances one downsampled step (NdtBase raw
// solver steps) per operator call; a jump covers NumStepsDirect
// downsampled steps with a single call at ndt = NumStepsDirect*NdtBase.
type Predictor struct {
	Operator   Operator
	Normalizer *Normalizer

	// NumStepsDirect is the direct prediction horizon of the current
	// phase, in downsampled steps.
	NumStepsDirect int

	// NdtBase is the number of raw solver steps per downsampled step
	// (the dataset's jump factor).
	NdtBase int
}

// chain applies the operator numApplications times at step multiplier
// ndt, starting from u. With stopGradient set, each output is detached
// so no gradient flows through the chain.
func (p *Predictor) chain(ctx *context.Context, specs, u *Node, numApplications, ndt int, stopGradient bool) (states []*Node, final *Node) {
	states = make([]*Node, 0, numApplications)
	final = u
	for range numApplications {
		final = p.Normalizer.Apply(ctx, p.Operator, specs, final, ndt)
		if stopGradient {
			final = StopGradient(final)
		}
		states = append(states, final)
	}
	return
}

// Unroll rolls the operator out for numSteps downsampled steps, one
// operator call per step, and returns the full predicted trajectory
// shaped [batch, numSteps, space..., vars] together with the final
// state. Gradients flow through the whole rollout.
func (p *Predictor) Unroll(ctx *context.Context, specs, uInp *Node, numSteps int) (trajectory, final *Node) {
	states, final := p.chain(ctx, specs, uInp, numSteps, p.NdtBase, false)
	if len(states) == 1 {
		return states[0], final
	}
	return Concatenate(states, 1), final
}

// Jump advances uInp by numJumps direct horizons, each a single operator
// call at ndt = NumStepsDirect*NdtBase, and returns the final state.
func (p *Predictor) Jump(ctx *context.Context, specs, uInp *Node, numJumps int) *Node {
	_, final := p.chain(ctx, specs, uInp, numJumps, p.NumStepsDirect*p.NdtBase, false)
	return final
}

// JumpStopGradient is Jump with every intermediate state detached, used
// for the push-forward applications that perturb the training input
// without contributing gradients.
func (p *Predictor) JumpStopGradient(ctx *context.Context, specs, uInp *Node, numJumps int) *Node {
	_, final := p.chain(ctx, specs, uInp, numJumps, p.NumStepsDirect*p.NdtBase, true)
	return final
}
