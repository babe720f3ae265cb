// Package autoregressive wraps a stepping operator with the statistics
// machinery that lets it train on normalized residuals while exposing
// physical-space trajectories: a Normalizer mapping between trajectory
// space and residual space, and a Predictor that rolls the operator
// forward in time, with or without gradients.
package autoregressive

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Operator is a learned one-call solver step. It receives the normalized
// input state uInp, optional per-sample equation parameters specs (nil
// when the dataset carries none), and the step multiplier ndt, and
// returns the predicted residual in normalized residual space, with the
// same shape as uInp.
//
// uInp is shaped [batch, 1, space..., vars]. The time axis stays in the
// shape so states concatenate directly into trajectories.
type Operator interface {
	BuildGraph(ctx *context.Context, specs, uInp *Node, ndt int) *Node
}

// Stats bundles the dataset statistics a Normalizer needs. Trajectory
// statistics are taken over all states of the training split; residual
// and derivative statistics are keyed by the step multiplier ndt they
// were measured at, since the residual scale grows with the horizon.
//
// All tensors must broadcast against a state of shape
// [batch, 1, space..., vars], e.g. [1, 1, 1, vars] for per-variable
// statistics. Standard deviations must be strictly positive; the dataset
// package floors zero-variance entries to one before building a Stats.
type Stats struct {
	TrajectoryMean *tensors.Tensor
	TrajectoryStd  *tensors.Tensor

	ResidualMean map[int]*tensors.Tensor
	ResidualStd  map[int]*tensors.Tensor

	DerivativeMean map[int]*tensors.Tensor
	DerivativeStd  map[int]*tensors.Tensor
}

// StepSizes returns the step multipliers with residual statistics, in
// increasing order.
func (s *Stats) StepSizes() []int {
	ndts := make([]int, 0, len(s.ResidualMean))
	for ndt := range s.ResidualMean {
		ndts = append(ndts, ndt)
	}
	sort.Ints(ndts)
	return ndts
}

// HasStepSize reports whether residual statistics exist for ndt.
func (s *Stats) HasStepSize(ndt int) bool {
	_, okMean := s.ResidualMean[ndt]
	_, okStd := s.ResidualStd[ndt]
	return okMean && okStd
}

// Normalizer maps between physical trajectory space and the normalized
// residual space the operator is trained in. With TimeDerivative set the
// operator output is interpreted as a normalized discrete time
// derivative instead of a normalized residual, using the derivative
// statistics and the raw solver time step.
type Normalizer struct {
	Stats *Stats

	// TimeDerivative switches the residual parametrization to
	// (uTgt - uInp) / (ndt * TimeStep), normalized with the derivative
	// statistics.
	TimeDerivative bool

	// TimeStep is the raw solver time step, required when
	// TimeDerivative is set.
	TimeStep float64
}

// ValidateStepSizes checks eagerly, before any graph is built, that
// statistics exist for every step multiplier the run will request.
func (n *Normalizer) ValidateStepSizes(ndts ...int) error {
	for _, ndt := range ndts {
		if !n.Stats.HasStepSize(ndt) {
			return errors.WithMessagef(gnpde.ErrConfiguration,
				"no residual statistics for step multiplier ndt=%d (have %v)",
				ndt, n.Stats.StepSizes())
		}
		if n.TimeDerivative {
			if _, ok := n.Stats.DerivativeMean[ndt]; !ok {
				return errors.WithMessagef(gnpde.ErrConfiguration,
					"no derivative statistics for step multiplier ndt=%d", ndt)
			}
		}
	}
	if n.TimeDerivative && n.TimeStep <= 0 {
		return errors.WithMessagef(gnpde.ErrConfiguration,
			"TimeDerivative requires a positive TimeStep, got %g", n.TimeStep)
	}
	return nil
}

// NormalizeTrajectory maps a physical state to trajectory-normalized
// space.
func (n *Normalizer) NormalizeTrajectory(u *Node) *Node {
	g := u.Graph()
	mean := ConstCachedTensor(g, n.Stats.TrajectoryMean)
	std := ConstCachedTensor(g, n.Stats.TrajectoryStd)
	return Div(Sub(u, mean), std)
}

// UnnormalizeTrajectory is the inverse of NormalizeTrajectory.
func (n *Normalizer) UnnormalizeTrajectory(u *Node) *Node {
	g := u.Graph()
	mean := ConstCachedTensor(g, n.Stats.TrajectoryMean)
	std := ConstCachedTensor(g, n.Stats.TrajectoryStd)
	return Add(Mul(u, std), mean)
}

// residualStats returns the (mean, std) graph constants for ndt, in the
// parametrization selected by TimeDerivative. Missing statistics panic:
// ValidateStepSizes is the supported way to reject them with an error.
func (n *Normalizer) residualStats(g *Graph, ndt int) (mean, std *Node) {
	meanT, stdT := n.Stats.ResidualMean[ndt], n.Stats.ResidualStd[ndt]
	if n.TimeDerivative {
		meanT, stdT = n.Stats.DerivativeMean[ndt], n.Stats.DerivativeStd[ndt]
	}
	if meanT == nil || stdT == nil {
		exceptions.Panicf("autoregressive: no residual statistics for step multiplier ndt=%d (have %v)",
			ndt, n.Stats.StepSizes())
	}
	return ConstCachedTensor(g, meanT), ConstCachedTensor(g, stdT)
}

// NormalizeResidual maps a physical residual uTgt-uInp at step
// multiplier ndt to normalized residual space.
func (n *Normalizer) NormalizeResidual(r *Node, ndt int) *Node {
	if n.TimeDerivative {
		r = DivScalar(r, float64(ndt)*n.TimeStep)
	}
	mean, std := n.residualStats(r.Graph(), ndt)
	return Div(Sub(r, mean), std)
}

// UnnormalizeResidual maps a normalized residual back to a physical
// residual at step multiplier ndt.
func (n *Normalizer) UnnormalizeResidual(r *Node, ndt int) *Node {
	mean, std := n.residualStats(r.Graph(), ndt)
	r = Add(Mul(r, std), mean)
	if n.TimeDerivative {
		r = MulScalar(r, float64(ndt)*n.TimeStep)
	}
	return r
}

// Apply advances the physical state u by ndt raw solver steps with one
// operator call: the operator sees the trajectory-normalized state and
// predicts a normalized residual, which is unnormalized and added back
// onto u.
func (n *Normalizer) Apply(ctx *context.Context, op Operator, specs, u *Node, ndt int) *Node {
	rNorm := op.BuildGraph(ctx, specs, n.NormalizeTrajectory(u), ndt)
	return Add(u, n.UnnormalizeResidual(rNorm, ndt))
}

// LossInputs returns the operator prediction and its regression target,
// both in normalized residual space, for an input/target state pair at
// step multiplier ndt. Training losses compare these two instead of the
// physical states, so every horizon contributes at comparable scale.
func (n *Normalizer) LossInputs(ctx *context.Context, op Operator, specs, uInp, uTgt *Node, ndt int) (pred, target *Node) {
	pred = op.BuildGraph(ctx, specs, n.NormalizeTrajectory(uInp), ndt)
	target = n.NormalizeResidual(Sub(uTgt, uInp), ndt)
	return
}
