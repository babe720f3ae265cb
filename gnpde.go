// Package gnpde trains an autoregressive neural operator on
// spatio-temporal PDE trajectories (advection, reaction-diffusion, wave
// equations), built on the GoMLX computation-graph framework.
//
// The repository is organized around three cooperating cores:
//
//   - autoregressive: an operator normalizer (physical trajectory space
//     <-> normalized residual space) and a predictor driving repeated
//     operator applications (rollout, gradient-free push-forward jumps).
//   - curriculum: the schedule that ramps the direct-step horizon and
//     then the unroll depth over a total epoch budget.
//   - training: the driver assembling push-forward noise, truncated
//     backpropagation through time and multi-horizon direct losses into
//     one gomlx train step, plus evaluation and checkpointing.
//
// The dataset and pde packages supply trajectory data; the model package
// supplies the stepping operators.
package gnpde

import "github.com/pkg/errors"

// Error taxonomy of the training core. Everything here aborts the run;
// there are no retries at this layer.
var (
	// ErrConfiguration marks non-recoverable configuration mistakes:
	// a batch size that does not divide the sample count, a step
	// multiplier without precomputed residual statistics, a spec
	// presence mismatch between dataset and call site.
	ErrConfiguration = errors.New("configuration error")

	// ErrShapeMismatch marks trajectory or spec batches inconsistent
	// with the configured grid and variable dimensions. Detected at
	// dataset construction, before any rollout starts.
	ErrShapeMismatch = errors.New("shape mismatch")
)
