package pde

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		NumSamples:    3,
		LenTraj:       9,
		NumGridPoints: 32,
		TimeStep:      0.05,
		DomainLength:  1.0,
		NumModes:      4,
	}
}

func TestFromNameShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := testConfig()
	for _, name := range Equations {
		tr, err := FromName(name, cfg, rng)
		require.NoError(t, err, "equation %q", name)
		assert.Equal(t, cfg.NumSamples, tr.NumSamples)
		assert.Equal(t, cfg.LenTraj, tr.LenTraj)
		assert.Equal(t, cfg.NumGridPoints, tr.NumGridPoints)
		assert.True(t, tr.HasSpecs(), "equation %q", name)
		for _, v := range tr.Data {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0),
				"equation %q produced a non-finite value", name)
		}
	}

	_, err := FromName("navier-stokes", cfg, rng)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)
}

func TestConfigValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := testConfig()
	cfg.NumModes = 20 // above NumGridPoints/2
	_, err := Advection(cfg, rng)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)

	cfg = testConfig()
	cfg.TimeStep = 0
	_, err = Heat(cfg, rng)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)
}

func TestAdvectionTransportsWithoutDistortion(t *testing.T) {
	// A pure transport equation preserves the set of grid values frame
	// to frame up to interpolation error, so min and max stay put.
	rng := rand.New(rand.NewSource(7))
	cfg := testConfig()
	cfg.NumSamples = 1
	tr, err := Advection(cfg, rng)
	require.NoError(t, err)

	min0, max0 := frameRange(tr.Frame(0, 0))
	for tt := 1; tt < cfg.LenTraj; tt++ {
		minT, maxT := frameRange(tr.Frame(0, tt))
		assert.InDelta(t, min0, minT, 0.05, "frame %d", tt)
		assert.InDelta(t, max0, maxT, 0.05, "frame %d", tt)
	}
}

func TestHeatDissipates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := testConfig()
	cfg.NumSamples = 1
	tr, err := Heat(cfg, rng)
	require.NoError(t, err)

	prev := math.Inf(1)
	for tt := 0; tt < cfg.LenTraj; tt++ {
		e := frameEnergy(tr.Frame(0, tt))
		require.LessOrEqual(t, e, prev+1e-9, "frame %d gained energy", tt)
		prev = e
	}
}

func TestReactionDiffusionStaysBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr, err := ReactionDiffusion(testConfig(), rng)
	require.NoError(t, err)
	for _, v := range tr.Data {
		require.GreaterOrEqual(t, float64(v), -0.01)
		require.LessOrEqual(t, float64(v), 1.05)
	}
}

func TestWaveCarriesTwoVariables(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr, err := Wave(testConfig(), rng)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.NumVars)

	// The velocity variable starts from rest.
	frame := tr.Frame(0, 0)
	for i := 1; i < len(frame); i += 2 {
		assert.Zero(t, frame[i])
	}
}

func frameRange(frame []float32) (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range frame {
		min = math.Min(min, float64(v))
		max = math.Max(max, float64(v))
	}
	return
}

func frameEnergy(frame []float32) float64 {
	var e float64
	for _, v := range frame {
		e += float64(v) * float64(v)
	}
	return e
}
