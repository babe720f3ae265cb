// Package curriculum computes the training schedule of a multi-step
// neural PDE solver: how a total epoch budget is partitioned into phases
// of increasing direct-step horizon, followed by phases of increasing
// autoregressive unroll depth.
//
// The partitioning is plain integer arithmetic, kept free of any tensor
// machinery so the boundary behavior can be tested exhaustively.
package curriculum

import (
	"fmt"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
)

// ErrConfiguration tags non-recoverable configuration mistakes: an
// impossible epoch budget, a lead time outside its valid range, a batch
// size that does not divide the sample count. The run must abort.
var ErrConfiguration = gnpde.ErrConfiguration

// Phase is one training invocation of the schedule: train for Epochs
// epochs with the given number of direct output steps and autoregressive
// unroll steps.
type Phase struct {
	// DirectSteps is the maximum prediction horizon, in model
	// applications, reached directly (single operator call per horizon).
	DirectSteps int

	// UnrollSteps is the number of push-forward jumps applied to the
	// input before the direct predictions, split randomly per batch
	// between gradient-free and gradient-carrying applications.
	UnrollSteps int

	// Epochs to train in this phase.
	Epochs int

	// FreshOptimizer requests a reset of the optimizer state (moments,
	// step counters) before the phase starts. Set on the first unroll
	// phase only.
	FreshOptimizer bool

	// LRScale multiplies the base learning rate for this phase.
	LRScale float64
}

// Schedule is an ordered sequence of phases, consumed strictly in order.
type Schedule []Phase

// TotalEpochs returns the sum of epochs over all phases.
func (s Schedule) TotalEpochs() int {
	total := 0
	for _, p := range s {
		total += p.Epochs
	}
	return total
}

// Build partitions totalEpochs into a direct-steps ramp followed by an
// unroll-steps ramp.
//
// The direct-only phase receives floor(total / (1 + 0.2*maxUnrollSteps))
// epochs, divided evenly across directSteps = 1..maxDirectSteps with the
// integer-division remainder folded into the last (largest-horizon)
// sub-phase. The remaining epochs are divided evenly across
// unrollSteps = 1..maxUnrollSteps at directSteps = maxDirectSteps, again
// folding the remainder into the last sub-phase. With maxUnrollSteps = 0
// no unroll phase is produced and the direct phase consumes the full
// budget.
//
// lrDecay scales the learning rate for the unroll phases, which also
// start from a fresh optimizer state.
func Build(totalEpochs, maxDirectSteps, maxUnrollSteps int, lrDecay float64) (Schedule, error) {
	if totalEpochs < 1 {
		return nil, errors.WithMessagef(ErrConfiguration, "totalEpochs=%d, must be >= 1", totalEpochs)
	}
	if maxDirectSteps < 1 {
		return nil, errors.WithMessagef(ErrConfiguration, "maxDirectSteps=%d, must be >= 1", maxDirectSteps)
	}
	if maxUnrollSteps < 0 {
		return nil, errors.WithMessagef(ErrConfiguration, "maxUnrollSteps=%d, must be >= 0", maxUnrollSteps)
	}

	// floor(total / (1 + 0.2*maxUnroll)) computed in integers:
	// 1 + 0.2*u == (5+u)/5, so the floor is total*5/(5+u) exactly,
	// avoiding the float rounding at the phase boundary.
	epochsDirectPhase := totalEpochs * 5 / (5 + maxUnrollSteps)

	schedule := make(Schedule, 0, maxDirectSteps+maxUnrollSteps)
	perDirect := epochsDirectPhase / maxDirectSteps
	lastDirect := perDirect + epochsDirectPhase%maxDirectSteps
	for d := 1; d <= maxDirectSteps; d++ {
		epochs := perDirect
		if d == maxDirectSteps {
			epochs = lastDirect
		}
		if epochs == 0 {
			continue
		}
		schedule = append(schedule, Phase{
			DirectSteps: d,
			UnrollSteps: 0,
			Epochs:      epochs,
			LRScale:     1.0,
		})
	}

	if maxUnrollSteps > 0 {
		epochsUnrollPhase := totalEpochs - epochsDirectPhase
		perUnroll := epochsUnrollPhase / maxUnrollSteps
		lastUnroll := perUnroll + epochsUnrollPhase%maxUnrollSteps
		fresh := true
		for u := 1; u <= maxUnrollSteps; u++ {
			epochs := perUnroll
			if u == maxUnrollSteps {
				epochs = lastUnroll
			}
			if epochs == 0 {
				continue
			}
			schedule = append(schedule, Phase{
				DirectSteps:    maxDirectSteps,
				UnrollSteps:    u,
				Epochs:         epochs,
				FreshOptimizer: fresh,
				LRScale:        lrDecay,
			})
			fresh = false
		}
	}

	if got := schedule.TotalEpochs(); got != totalEpochs {
		// Unreachable by construction; kept as a cheap invariant check.
		return nil, errors.WithMessagef(ErrConfiguration,
			"schedule epochs sum to %d, want %d", got, totalEpochs)
	}
	return schedule, nil
}

// NumLeadTimes returns the number of valid lead times in a trajectory
// with numTimes downsampled steps: positions before
// unrollSteps*directSteps are reserved for the push-forward jumps, the
// last directSteps positions for the direct targets.
func NumLeadTimes(numTimes, directSteps, unrollSteps int) int {
	return numTimes - unrollSteps*directSteps - directSteps
}

// LeadTimes enumerates the valid lead times of a trajectory of raw
// length lenTraj, after downsampling by jumpSteps. An input at lead time
// t predicts the directSteps following downsampled positions, after
// being advanced from t - unrollSteps*directSteps by the push-forward
// jumps.
func LeadTimes(lenTraj, jumpSteps, directSteps, unrollSteps int) ([]int, error) {
	if jumpSteps < 1 || directSteps < 1 || unrollSteps < 0 {
		return nil, errors.WithMessagef(ErrConfiguration,
			"invalid lead-time parameters: jumpSteps=%d, directSteps=%d, unrollSteps=%d",
			jumpSteps, directSteps, unrollSteps)
	}
	if (lenTraj-1)%jumpSteps != 0 {
		return nil, errors.WithMessagef(ErrConfiguration,
			"trajectory length %d is not 1 + a multiple of jumpSteps=%d", lenTraj, jumpSteps)
	}
	numTimes := (lenTraj - 1) / jumpSteps
	offset := unrollSteps * directSteps
	count := NumLeadTimes(numTimes, directSteps, unrollSteps)
	if count <= 0 {
		return nil, errors.WithMessagef(ErrConfiguration,
			"no valid lead times: numTimes=%d, directSteps=%d, unrollSteps=%d",
			numTimes, directSteps, unrollSteps)
	}
	leadTimes := make([]int, count)
	for i := range leadTimes {
		leadTimes[i] = offset + i
	}
	return leadTimes, nil
}

// CheckLeadTime rejects lead times outside the valid range for the given
// horizon parameters.
func CheckLeadTime(leadTime, lenTraj, jumpSteps, directSteps, unrollSteps int) error {
	leadTimes, err := LeadTimes(lenTraj, jumpSteps, directSteps, unrollSteps)
	if err != nil {
		return err
	}
	first, last := leadTimes[0], leadTimes[len(leadTimes)-1]
	if leadTime < first || leadTime > last {
		return errors.WithMessagef(ErrConfiguration,
			"lead time %d outside valid range [%d, %d]", leadTime, first, last)
	}
	return nil
}

func (p Phase) String() string {
	return fmt.Sprintf("Phase{direct=%d, unroll=%d, epochs=%d}", p.DirectSteps, p.UnrollSteps, p.Epochs)
}
