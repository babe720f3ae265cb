package dataset

import (
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/curriculum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func TestNewTrainingRejectsIndivisibleBatchSize(t *testing.T) {
	tr := rampTrajectories(t, 3, 4, 1)
	_, err := NewTraining("train", tr, 1, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)
}

func TestSetPhaseRejectsTooShortTrajectories(t *testing.T) {
	tr := rampTrajectories(t, 2, 4, 1)
	ds, err := NewTraining("train", tr, 1, 2)
	require.NoError(t, err)

	// direct=2, unroll=1 needs 2*1+2+1 = 5 frames, only 4 exist.
	err = ds.SetPhase(curriculum.Phase{DirectSteps: 2, UnrollSteps: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)

	require.NoError(t, ds.SetPhase(curriculum.Phase{DirectSteps: 2}))
	assert.Equal(t, 2, ds.NumLeadTimes())
}

func TestYieldFoldsLeadTimesIntoBatch(t *testing.T) {
	tr := rampTrajectories(t, 2, 4, 1)
	ds, err := NewTraining("train", tr, 1, 2)
	require.NoError(t, err)
	require.NoError(t, ds.SetPhase(curriculum.Phase{DirectSteps: 1, UnrollSteps: 1}))

	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	bs := spec.(*BatchSpec)
	assert.Equal(t, 1, bs.DirectSteps)
	assert.Equal(t, 1, bs.UnrollSteps)
	assert.Equal(t, 2, bs.NumLeadTimes)
	assert.False(t, bs.UseSpecs)

	require.Nil(t, labels)
	require.Len(t, inputs, 2)
	require.Equal(t, []int{4, 1, 1, 1}, inputs[0].Shape().Dimensions)
	require.Equal(t, []int{4, 1, 1, 1}, inputs[1].Shape().Dimensions)

	// Before the first Reset the sample order is 0, 1. Unroll starts
	// are frames 0 and 1 of each sample; with unroll=1 and direct=1 the
	// targets sit two frames later.
	assert.Equal(t, []float32{0, 10, 100, 110}, tensors.MustCopyFlatData[float32](inputs[0]))
	assert.Equal(t, []float32{20, 30, 120, 130}, tensors.MustCopyFlatData[float32](inputs[1]))

	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestYieldStackedDirectTargets(t *testing.T) {
	tr := rampTrajectories(t, 1, 5, 1)
	ds, err := NewTraining("train", tr, 1, 1)
	require.NoError(t, err)
	require.NoError(t, ds.SetPhase(curriculum.Phase{DirectSteps: 2}))

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	// Lead times 0..2, direct targets at t+1 and t+2.
	require.Equal(t, []int{3, 1, 1, 1}, inputs[0].Shape().Dimensions)
	require.Equal(t, []int{3, 2, 1, 1}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []float32{0, 10, 20}, tensors.MustCopyFlatData[float32](inputs[0]))
	assert.Equal(t, []float32{10, 20, 20, 30, 30, 40}, tensors.MustCopyFlatData[float32](inputs[1]))
}

func TestYieldRepeatsSpecsPerLeadTime(t *testing.T) {
	tr := rampTrajectories(t, 2, 3, 1)
	require.NoError(t, tr.WithSpecs([]float32{7, 9}, 1))
	ds, err := NewTraining("train", tr, 1, 2)
	require.NoError(t, err)

	spec, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.True(t, spec.(*BatchSpec).UseSpecs)
	require.Len(t, inputs, 3)
	assert.Equal(t, []int{4, 1}, inputs[2].Shape().Dimensions)
	assert.Equal(t, []float32{7, 7, 9, 9}, tensors.MustCopyFlatData[float32](inputs[2]))
}

func TestNoiseSplitSumsToUnrollSteps(t *testing.T) {
	tr := rampTrajectories(t, 1, 12, 1)
	ds, err := NewTraining("train", tr, 1, 1)
	require.NoError(t, err)
	ds.WithRand(rand.New(rand.NewSource(42)))
	require.NoError(t, ds.SetPhase(curriculum.Phase{DirectSteps: 2, UnrollSteps: 3}))

	seen := map[int]bool{}
	for epoch := 0; epoch < 32; epoch++ {
		ds.Reset()
		for {
			spec, _, _, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			bs := spec.(*BatchSpec)
			require.Equal(t, bs.UnrollSteps, bs.NoiseSteps+bs.GradSteps)
			require.GreaterOrEqual(t, bs.NoiseSteps, 0)
			require.LessOrEqual(t, bs.NoiseSteps, bs.UnrollSteps)
			seen[bs.NoiseSteps] = true
		}
	}
	// All four splits of unroll=3 should show up over 32 draws.
	assert.Len(t, seen, 4)
}

func TestBatchSpecsAreInterned(t *testing.T) {
	tr := rampTrajectories(t, 2, 4, 1)
	ds, err := NewTraining("train", tr, 1, 1)
	require.NoError(t, err)

	spec1, _, _, err := ds.Yield()
	require.NoError(t, err)
	spec2, _, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Same(t, spec1, spec2)
	assert.Equal(t, "jump=1:direct=1:unroll=0:noise=0:grads=0:leads=3:specs=false",
		spec1.(*BatchSpec).String())
}
