// Package pde generates solution trajectories of one-dimensional
// periodic model equations used to train and evaluate the solver:
// linear advection and heat (solved spectrally), a Fisher type
// reaction-diffusion equation and the wave equation (solved by finite
// differences with stability substeps). Initial conditions are random
// low-order Fourier series.
package pde

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/dataset"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Config describes the generated dataset: the space-time discretization
// and the number of Fourier modes in the random initial conditions. The
// domain is periodic with length DomainLength.
type Config struct {
	NumSamples    int
	LenTraj       int
	NumGridPoints int

	TimeStep     float64
	DomainLength float64

	// NumModes bounds the wavenumbers of the random initial conditions.
	NumModes int
}

// Equations lists the supported equation names for FromName.
var Equations = []string{"advection", "heat", "reaction-diffusion", "wave"}

// FromName generates trajectories of the named equation.
func FromName(name string, cfg Config, rng *rand.Rand) (*dataset.Trajectories, error) {
	switch name {
	case "advection":
		return Advection(cfg, rng)
	case "heat":
		return Heat(cfg, rng)
	case "reaction-diffusion":
		return ReactionDiffusion(cfg, rng)
	case "wave":
		return Wave(cfg, rng)
	}
	return nil, errors.WithMessagef(gnpde.ErrConfiguration,
		"unknown equation %q, valid values are %v", name, Equations)
}

func (cfg Config) validate() error {
	if cfg.NumSamples < 1 || cfg.LenTraj < 2 || cfg.NumGridPoints < 4 {
		return errors.WithMessagef(gnpde.ErrConfiguration,
			"need numSamples >= 1, lenTraj >= 2 and numGridPoints >= 4, got %d, %d, %d",
			cfg.NumSamples, cfg.LenTraj, cfg.NumGridPoints)
	}
	if cfg.TimeStep <= 0 || cfg.DomainLength <= 0 {
		return errors.WithMessagef(gnpde.ErrConfiguration,
			"need positive timeStep and domainLength, got %g and %g",
			cfg.TimeStep, cfg.DomainLength)
	}
	if cfg.NumModes < 1 || cfg.NumModes > cfg.NumGridPoints/2 {
		return errors.WithMessagef(gnpde.ErrConfiguration,
			"numModes=%d must be in [1, %d]", cfg.NumModes, cfg.NumGridPoints/2)
	}
	return nil
}

func (cfg Config) dx() float64 { return cfg.DomainLength / float64(cfg.NumGridPoints) }

// fourierIC samples a random Fourier series on the grid: modes 1..K
// with amplitudes decaying as 1/k and uniform phases.
func (cfg Config) fourierIC(rng *rand.Rand) []float64 {
	u := make([]float64, cfg.NumGridPoints)
	for k := 1; k <= cfg.NumModes; k++ {
		amp := (rng.Float64()*2 - 1) / float64(k)
		phase := rng.Float64() * 2 * math.Pi
		for i := range u {
			x := float64(i) * 2 * math.Pi * float64(k) / float64(cfg.NumGridPoints)
			u[i] += amp * math.Sin(x+phase)
		}
	}
	return u
}

// spectralEvolve fills one trajectory by multiplying the Fourier
// coefficients of the initial condition with symbol(k)^t per frame,
// where symbol(k) is the exact one-step propagator of mode k.
func (cfg Config) spectralEvolve(u0 []float64, symbol func(k int) complex128, out []float32, frameStride int) {
	n := cfg.NumGridPoints
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, u0)

	state := make([]complex128, len(coeffs))
	copy(state, coeffs)
	frame := make([]float64, n)
	for t := 0; t < cfg.LenTraj; t++ {
		fft.Sequence(frame, state)
		for i, v := range frame {
			out[t*frameStride+i] = float32(v / float64(n))
		}
		for k := range state {
			state[k] *= symbol(k)
		}
	}
}

// Advection generates trajectories of u_t + c u_x = 0 with a per-sample
// speed c, solved exactly in Fourier space. Specs carry c.
func Advection(cfg Config, rng *rand.Rand) (*dataset.Trajectories, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := cfg.NumGridPoints
	data := make([]float32, cfg.NumSamples*cfg.LenTraj*n)
	specs := make([]float32, cfg.NumSamples)
	for s := 0; s < cfg.NumSamples; s++ {
		c := rng.Float64()*2 - 1
		specs[s] = float32(c)
		symbol := func(k int) complex128 {
			omega := 2 * math.Pi * float64(k) / cfg.DomainLength * c * cfg.TimeStep
			return complex(math.Cos(omega), -math.Sin(omega))
		}
		cfg.spectralEvolve(cfg.fourierIC(rng), symbol, data[s*cfg.LenTraj*n:], n)
	}
	return wrap(data, specs, cfg, 1, 1)
}

// Heat generates trajectories of u_t = nu u_xx with a per-sample
// diffusivity, solved exactly in Fourier space. Specs carry nu.
func Heat(cfg Config, rng *rand.Rand) (*dataset.Trajectories, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := cfg.NumGridPoints
	data := make([]float32, cfg.NumSamples*cfg.LenTraj*n)
	specs := make([]float32, cfg.NumSamples)
	for s := 0; s < cfg.NumSamples; s++ {
		nu := 0.001 + rng.Float64()*0.01
		specs[s] = float32(nu)
		symbol := func(k int) complex128 {
			kappa := 2 * math.Pi * float64(k) / cfg.DomainLength
			return complex(math.Exp(-nu*kappa*kappa*cfg.TimeStep), 0)
		}
		cfg.spectralEvolve(cfg.fourierIC(rng), symbol, data[s*cfg.LenTraj*n:], n)
	}
	return wrap(data, specs, cfg, 1, 1)
}

// ReactionDiffusion generates trajectories of the Fisher equation
// u_t = nu u_xx + rho u (1 - u), finite differences with substeps below
// the diffusive stability limit. States live in (0, 1); specs carry
// nu and rho.
func ReactionDiffusion(cfg Config, rng *rand.Rand) (*dataset.Trajectories, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := cfg.NumGridPoints
	dx := cfg.dx()
	data := make([]float32, cfg.NumSamples*cfg.LenTraj*n)
	specs := make([]float32, cfg.NumSamples*2)
	for s := 0; s < cfg.NumSamples; s++ {
		nu := 0.001 + rng.Float64()*0.004
		rho := 0.5 + rng.Float64()*2
		specs[2*s], specs[2*s+1] = float32(nu), float32(rho)

		numSub := 1 + int(cfg.TimeStep/(0.2*dx*dx/nu))
		dtSub := cfg.TimeStep / float64(numSub)

		// Sigmoid of the Fourier series keeps the state in (0, 1).
		u := cfg.fourierIC(rng)
		for i, v := range u {
			u[i] = 1 / (1 + math.Exp(-4*v))
		}
		next := make([]float64, n)
		for t := 0; t < cfg.LenTraj; t++ {
			for i, v := range u {
				data[(s*cfg.LenTraj+t)*n+i] = float32(v)
			}
			for range numSub {
				for i := range u {
					lap := (u[(i+1)%n] - 2*u[i] + u[(i+n-1)%n]) / (dx * dx)
					next[i] = u[i] + dtSub*(nu*lap+rho*u[i]*(1-u[i]))
				}
				u, next = next, u
			}
		}
	}
	return wrap(data, specs, cfg, 1, 2)
}

// Wave generates trajectories of u_tt = c^2 u_xx as a two-variable
// system (u, u_t), advanced by semi-implicit Euler (velocity first,
// then position from the updated velocity) with substeps satisfying
// the CFL condition. Specs carry c.
func Wave(cfg Config, rng *rand.Rand) (*dataset.Trajectories, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := cfg.NumGridPoints
	dx := cfg.dx()
	data := make([]float32, cfg.NumSamples*cfg.LenTraj*n*2)
	specs := make([]float32, cfg.NumSamples)
	for s := 0; s < cfg.NumSamples; s++ {
		c := 0.2 + rng.Float64()*0.8
		specs[s] = float32(c)

		numSub := 1 + int(cfg.TimeStep/(0.5*dx/c))
		dtSub := cfg.TimeStep / float64(numSub)

		u := cfg.fourierIC(rng)
		v := make([]float64, n)
		nextU := make([]float64, n)
		nextV := make([]float64, n)
		for t := 0; t < cfg.LenTraj; t++ {
			base := (s*cfg.LenTraj + t) * n * 2
			for i := range u {
				data[base+2*i] = float32(u[i])
				data[base+2*i+1] = float32(v[i])
			}
			for range numSub {
				for i := range u {
					lap := (u[(i+1)%n] - 2*u[i] + u[(i+n-1)%n]) / (dx * dx)
					nextV[i] = v[i] + dtSub*c*c*lap
					nextU[i] = u[i] + dtSub*nextV[i]
				}
				u, nextU = nextU, u
				v, nextV = nextV, v
			}
		}
	}
	return wrap(data, specs, cfg, 2, 1)
}

func wrap(data, specs []float32, cfg Config, numVars, numSpecs int) (*dataset.Trajectories, error) {
	tr, err := dataset.New(data, cfg.NumSamples, cfg.LenTraj, cfg.NumGridPoints, numVars)
	if err != nil {
		return nil, err
	}
	if err := tr.WithSpecs(specs, numSpecs); err != nil {
		return nil, err
	}
	return tr, nil
}
