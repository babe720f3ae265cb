package autoregressive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	_ "github.com/gomlx/gomlx/backends/default"
)

// scaleOperator predicts half the normalized input as the residual, so
// with identity statistics each application multiplies the state by 1.5.
type scaleOperator struct{}

func (scaleOperator) BuildGraph(ctx *context.Context, specs, uInp *Node, ndt int) *Node {
	return MulScalar(uInp, 0.5)
}

func identityPredictor(numStepsDirect int) *Predictor {
	stats := &Stats{
		TrajectoryMean: perVar(0, 0),
		TrajectoryStd:  perVar(1, 1),
		ResidualMean: map[int]*tensors.Tensor{
			1: perVar(0, 0),
			2: perVar(0, 0),
		},
		ResidualStd: map[int]*tensors.Tensor{
			1: perVar(1, 1),
			2: perVar(1, 1),
		},
	}
	return &Predictor{
		Operator:       scaleOperator{},
		Normalizer:     &Normalizer{Stats: stats},
		NumStepsDirect: numStepsDirect,
		NdtBase:        1,
	}
}

func TestUnrollTrajectoryAndFinal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	p := identityPredictor(1)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, u *Node) (traj, final *Node) {
		return p.Unroll(ctx, nil, u, 3)
	})
	traj, final := exec.MustExec2(testState())

	require.Equal(t, []int{1, 3, 3, 2}, traj.Shape().Dimensions)
	require.Equal(t, []int{1, 1, 3, 2}, final.Shape().Dimensions)

	// Each step multiplies by 1.5, so the final state is 1.5^3 * u.
	inp := tensors.MustCopyFlatData[float32](testState())
	want := make([]float32, len(inp))
	for i, v := range inp {
		want[i] = v * 1.5 * 1.5 * 1.5
	}
	wantT := tensors.FromFlatDataAndDimensions(want, 1, 1, 3, 2)
	require.True(t, wantT.InDelta(final, 1e-4), "final: got %s", final.GoStr())

	// The last trajectory slice is the final state, bit for bit.
	flat := tensors.MustCopyFlatData[float32](traj)
	assert.Equal(t, tensors.MustCopyFlatData[float32](final), flat[len(flat)-6:])
}

func TestUnrollSingleStepKeepsTimeAxis(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	p := identityPredictor(1)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, u *Node) (traj, final *Node) {
		return p.Unroll(ctx, nil, u, 1)
	})
	traj, final := exec.MustExec2(testState())
	require.Equal(t, []int{1, 1, 3, 2}, traj.Shape().Dimensions)
	assert.Equal(t, final.Value(), traj.Value())
}

func TestUnrollFinalMatchesJump(t *testing.T) {
	// With a direct horizon of one downsampled step, a jump and an
	// unroll step are the same operator call, so rolling out n steps
	// must reproduce n jumps exactly.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	p := identityPredictor(1)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, u *Node) (unrolled, jumped *Node) {
		_, unrolled = p.Unroll(ctx, nil, u, 4)
		jumped = p.Jump(ctx, nil, u, 4)
		return
	})
	unrolled, jumped := exec.MustExec2(testState())
	require.Equal(t, unrolled.Value(), jumped.Value())
}

func TestJumpUsesDirectHorizonMultiplier(t *testing.T) {
	// With NumStepsDirect=2 a jump applies the operator once at ndt=2.
	// Statistics exist only at ndt in {1, 2}: a jump at any other
	// multiplier would panic, so a passing run pins the multiplier.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	p := identityPredictor(2)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, u *Node) *Node {
		return p.Jump(ctx, nil, u, 2)
	})
	got := exec.MustExec1(testState())

	// Two jumps, each a single 1.5x application.
	inp := tensors.MustCopyFlatData[float32](testState())
	want := make([]float32, len(inp))
	for i, v := range inp {
		want[i] = v * 1.5 * 1.5
	}
	wantT := tensors.FromFlatDataAndDimensions(want, 1, 1, 3, 2)
	require.True(t, wantT.InDelta(got, 1e-4), "got %s", got.GoStr())
}

func TestJumpStopGradientSameValuesAsJump(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	p := identityPredictor(2)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, u *Node) (jumped, detached *Node) {
		return p.Jump(ctx, nil, u, 3), p.JumpStopGradient(ctx, nil, u, 3)
	})
	jumped, detached := exec.MustExec2(testState())
	require.Equal(t, jumped.Value(), detached.Value())
}

func TestJumpStopGradientBlocksGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	p := identityPredictor(1)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, u *Node) *Node {
		lossThrough := ReduceAllSum(p.Jump(ctx, nil, u, 2))
		lossBlocked := ReduceAllSum(p.JumpStopGradient(ctx, nil, u, 2))
		// lossBlocked contributes nothing, so the gradient is that of
		// lossThrough alone: d(1.5^2 * sum(u))/du = 2.25 everywhere.
		return Gradient(Add(lossThrough, lossBlocked), u)[0]
	})
	grad := exec.MustExec1(testState())
	want := tensors.FromFlatDataAndDimensions(
		[]float32{2.25, 2.25, 2.25, 2.25, 2.25, 2.25}, 1, 1, 3, 2)
	require.True(t, want.InDelta(grad, 1e-5), "gradient: got %s", grad.GoStr())
}
