// Package dataset holds PDE solution trajectories on the host, computes
// the statistics the operator normalizer runs on, and serves training
// batches with lead times folded into the batch axis.
package dataset

import (
	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Trajectories is a host-side container of solution trajectories, stored
// flat in row-major order with dimensions
// [NumSamples, LenTraj, NumGridPoints, NumVars]. Specs optionally holds
// per-sample equation parameters, flat [NumSamples, NumSpecs].
type Trajectories struct {
	Data  []float32
	Specs []float32

	NumSamples    int
	LenTraj       int
	NumGridPoints int
	NumVars       int
	NumSpecs      int
}

// New validates that data matches the given dimensions and wraps it. The
// slice is not copied.
func New(data []float32, numSamples, lenTraj, numGridPoints, numVars int) (*Trajectories, error) {
	want := numSamples * lenTraj * numGridPoints * numVars
	if len(data) != want {
		return nil, errors.WithMessagef(gnpde.ErrShapeMismatch,
			"trajectory data has %d values, want %d for [%d, %d, %d, %d]",
			len(data), want, numSamples, lenTraj, numGridPoints, numVars)
	}
	return &Trajectories{
		Data:          data,
		NumSamples:    numSamples,
		LenTraj:       lenTraj,
		NumGridPoints: numGridPoints,
		NumVars:       numVars,
	}, nil
}

// WithSpecs attaches per-sample equation parameters.
func (tr *Trajectories) WithSpecs(specs []float32, numSpecs int) error {
	if len(specs) != tr.NumSamples*numSpecs {
		return errors.WithMessagef(gnpde.ErrShapeMismatch,
			"specs have %d values, want %d for [%d, %d]",
			len(specs), tr.NumSamples*numSpecs, tr.NumSamples, numSpecs)
	}
	tr.Specs = specs
	tr.NumSpecs = numSpecs
	return nil
}

// HasSpecs reports whether per-sample equation parameters are attached.
func (tr *Trajectories) HasSpecs() bool { return tr.NumSpecs > 0 }

// frameSize is the number of values in one state: NumGridPoints*NumVars.
func (tr *Trajectories) frameSize() int { return tr.NumGridPoints * tr.NumVars }

// Frame returns the state of one sample at one time step as a slice view
// into the underlying data, length NumGridPoints*NumVars.
func (tr *Trajectories) Frame(sample, time int) []float32 {
	fs := tr.frameSize()
	off := (sample*tr.LenTraj + time) * fs
	return tr.Data[off : off+fs]
}

// SampleSpecs returns the equation parameters of one sample, or nil when
// none are attached.
func (tr *Trajectories) SampleSpecs(sample int) []float32 {
	if !tr.HasSpecs() {
		return nil
	}
	return tr.Specs[sample*tr.NumSpecs : (sample+1)*tr.NumSpecs]
}

// Split partitions the samples into train/valid/test ranges, in order.
// The returned containers share the underlying data.
func (tr *Trajectories) Split(numTrain, numValid, numTest int) (train, valid, test *Trajectories, err error) {
	if numTrain < 1 || numValid < 0 || numTest < 0 || numTrain+numValid+numTest > tr.NumSamples {
		return nil, nil, nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"cannot split %d samples into train=%d, valid=%d, test=%d",
			tr.NumSamples, numTrain, numValid, numTest)
	}
	train = tr.sampleRange(0, numTrain)
	valid = tr.sampleRange(numTrain, numValid)
	test = tr.sampleRange(numTrain+numValid, numTest)
	return
}

func (tr *Trajectories) sampleRange(start, count int) *Trajectories {
	sub := &Trajectories{
		Data:          tr.Data[start*tr.LenTraj*tr.frameSize() : (start+count)*tr.LenTraj*tr.frameSize()],
		NumSamples:    count,
		LenTraj:       tr.LenTraj,
		NumGridPoints: tr.NumGridPoints,
		NumVars:       tr.NumVars,
	}
	if tr.HasSpecs() {
		sub.Specs = tr.Specs[start*tr.NumSpecs : (start+count)*tr.NumSpecs]
		sub.NumSpecs = tr.NumSpecs
	}
	return sub
}

// Downsample splits every trajectory into jumpSteps interleaved
// sub-trajectories of length (LenTraj-1)/jumpSteps: sub-trajectory r of
// a sample takes the frames r, r+jumpSteps, r+2*jumpSteps, ... The
// sample count grows by the factor jumpSteps, so no raw frame is
// discarded beyond the final one. Specs are repeated accordingly.
//
// With jumpSteps == 1 the last frame is dropped too, keeping the
// downsampled length (LenTraj-1)/jumpSteps uniform across jump factors.
func (tr *Trajectories) Downsample(jumpSteps int) (*Trajectories, error) {
	if jumpSteps < 1 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration, "jumpSteps=%d, must be >= 1", jumpSteps)
	}
	if (tr.LenTraj-1)%jumpSteps != 0 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"trajectory length %d is not 1 + a multiple of jumpSteps=%d", tr.LenTraj, jumpSteps)
	}
	numTimes := (tr.LenTraj - 1) / jumpSteps
	fs := tr.frameSize()
	out := &Trajectories{
		Data:          make([]float32, tr.NumSamples*jumpSteps*numTimes*fs),
		NumSamples:    tr.NumSamples * jumpSteps,
		LenTraj:       numTimes,
		NumGridPoints: tr.NumGridPoints,
		NumVars:       tr.NumVars,
	}
	pos := 0
	for sample := 0; sample < tr.NumSamples; sample++ {
		for r := 0; r < jumpSteps; r++ {
			for i := 0; i < numTimes; i++ {
				pos += copy(out.Data[pos:], tr.Frame(sample, r+i*jumpSteps))
			}
		}
	}
	if tr.HasSpecs() {
		out.Specs = make([]float32, out.NumSamples*tr.NumSpecs)
		out.NumSpecs = tr.NumSpecs
		pos = 0
		for sample := 0; sample < tr.NumSamples; sample++ {
			for r := 0; r < jumpSteps; r++ {
				pos += copy(out.Specs[pos:], tr.SampleSpecs(sample))
			}
		}
	}
	return out, nil
}

// SpaceDownsample keeps every factor-th grid point of every frame,
// starting at point 0. The new grid has ceil(NumGridPoints/factor)
// points, all variables kept. Specs are shared, not copied.
func (tr *Trajectories) SpaceDownsample(factor int) (*Trajectories, error) {
	if factor < 1 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration, "factor=%d, must be >= 1", factor)
	}
	if factor == 1 {
		return tr, nil
	}
	numPoints := (tr.NumGridPoints + factor - 1) / factor
	out := &Trajectories{
		Data:          make([]float32, tr.NumSamples*tr.LenTraj*numPoints*tr.NumVars),
		Specs:         tr.Specs,
		NumSamples:    tr.NumSamples,
		LenTraj:       tr.LenTraj,
		NumGridPoints: numPoints,
		NumVars:       tr.NumVars,
		NumSpecs:      tr.NumSpecs,
	}
	pos := 0
	for sample := 0; sample < tr.NumSamples; sample++ {
		for t := 0; t < tr.LenTraj; t++ {
			frame := tr.Frame(sample, t)
			for p := 0; p < tr.NumGridPoints; p += factor {
				pos += copy(out.Data[pos:], frame[p*tr.NumVars:(p+1)*tr.NumVars])
			}
		}
	}
	return out, nil
}

// Truncate drops every frame past lenTraj, returning a view sharing the
// underlying data only when lenTraj == LenTraj.
func (tr *Trajectories) Truncate(lenTraj int) (*Trajectories, error) {
	if lenTraj < 2 || lenTraj > tr.LenTraj {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"cannot truncate length-%d trajectories to %d", tr.LenTraj, lenTraj)
	}
	if lenTraj == tr.LenTraj {
		return tr, nil
	}
	fs := tr.frameSize()
	out := &Trajectories{
		Data:          make([]float32, tr.NumSamples*lenTraj*fs),
		Specs:         tr.Specs,
		NumSamples:    tr.NumSamples,
		LenTraj:       lenTraj,
		NumGridPoints: tr.NumGridPoints,
		NumVars:       tr.NumVars,
		NumSpecs:      tr.NumSpecs,
	}
	for sample := 0; sample < tr.NumSamples; sample++ {
		src := tr.Data[sample*tr.LenTraj*fs:]
		copy(out.Data[sample*lenTraj*fs:(sample+1)*lenTraj*fs], src[:lenTraj*fs])
	}
	return out, nil
}

// Batch materializes count consecutive samples starting at start as
// tensors: the full trajectories shaped [count, LenTraj, grid, vars] and
// the specs shaped [count, NumSpecs] (nil without specs).
func (tr *Trajectories) Batch(start, count int) (u, specs *tensors.Tensor, err error) {
	if start < 0 || count < 1 || start+count > tr.NumSamples {
		return nil, nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"batch [%d, %d) out of range for %d samples", start, start+count, tr.NumSamples)
	}
	fs := tr.frameSize()
	data := make([]float32, count*tr.LenTraj*fs)
	copy(data, tr.Data[start*tr.LenTraj*fs:(start+count)*tr.LenTraj*fs])
	u = tensors.FromFlatDataAndDimensions(data, count, tr.LenTraj, tr.NumGridPoints, tr.NumVars)
	if tr.HasSpecs() {
		sp := make([]float32, count*tr.NumSpecs)
		copy(sp, tr.Specs[start*tr.NumSpecs:(start+count)*tr.NumSpecs])
		specs = tensors.FromFlatDataAndDimensions(sp, count, tr.NumSpecs)
	}
	return
}
