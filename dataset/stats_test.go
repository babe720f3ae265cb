package dataset

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func flat(t *testing.T, tensor *tensors.Tensor) []float32 {
	t.Helper()
	return tensors.MustCopyFlatData[float32](tensor)
}

func TestComputeStatsMoments(t *testing.T) {
	// One sample, three frames, one grid point, two variables. The
	// first variable ramps 0, 2, 4; the second is constant 5.
	data := []float32{0, 5, 2, 5, 4, 5}
	tr, err := New(data, 1, 3, 1, 2)
	require.NoError(t, err)

	stats, err := ComputeStats(tr, []int{1, 2}, 0.5)
	require.NoError(t, err)

	mean := flat(t, stats.TrajectoryMean)
	std := flat(t, stats.TrajectoryStd)
	assert.InDelta(t, 2.0, mean[0], 1e-6)
	assert.InDelta(t, 5.0, mean[1], 1e-6)
	assert.InDelta(t, math.Sqrt(8.0/3.0), float64(std[0]), 1e-6)
	// Constant variable: zero deviation floored to one.
	assert.Equal(t, float32(1), std[1])

	// Residuals of the ramp at ndt=1 are uniformly 2, at ndt=2
	// uniformly 4, so both have zero deviation, floored to one.
	assert.InDelta(t, 2.0, flat(t, stats.ResidualMean[1])[0], 1e-6)
	assert.InDelta(t, 4.0, flat(t, stats.ResidualMean[2])[0], 1e-6)
	assert.Equal(t, float32(1), flat(t, stats.ResidualStd[1])[0])

	// Derivatives divide by ndt*dt, so both horizons see slope 4.
	assert.InDelta(t, 4.0, flat(t, stats.DerivativeMean[1])[0], 1e-6)
	assert.InDelta(t, 4.0, flat(t, stats.DerivativeMean[2])[0], 1e-6)

	assert.Equal(t, []int{1, 2}, stats.StepSizes())
}

func TestComputeStatsTensorShapes(t *testing.T) {
	tr := rampTrajectories(t, 2, 4, 3)
	stats, err := ComputeStats(tr, []int{1}, 1.0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1}, stats.TrajectoryMean.Shape().Dimensions)
	assert.Equal(t, []int{1, 1, 1, 1}, stats.ResidualStd[1].Shape().Dimensions)
}

func TestComputeStatsRejectsBadArguments(t *testing.T) {
	tr := rampTrajectories(t, 1, 3, 1)

	_, err := ComputeStats(tr, []int{3}, 1.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)

	_, err = ComputeStats(tr, []int{1}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)
}
