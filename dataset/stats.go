package dataset

import (
	"math"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/autoregressive"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ComputeStats measures per-variable statistics over raw trajectories:
// the mean and standard deviation of the states themselves, and of the
// residuals u[t+ndt]-u[t] for every step multiplier in stepSizes.
// Derivative statistics divide the residual by ndt*timeStep first.
//
// Zero standard deviations (constant variables, or a horizon the
// solution never moves over) are floored to one so normalization stays
// finite; each floored entry is logged.
//
// Accumulation runs in float64 on the host. The dataset fits in memory
// by construction and a single pass per step multiplier is cheaper than
// shipping the full set through the backend.
func ComputeStats(tr *Trajectories, stepSizes []int, timeStep float64) (*autoregressive.Stats, error) {
	if timeStep <= 0 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration, "timeStep=%g, must be > 0", timeStep)
	}
	for _, ndt := range stepSizes {
		if ndt < 1 || ndt >= tr.LenTraj {
			return nil, errors.WithMessagef(gnpde.ErrConfiguration,
				"step multiplier ndt=%d outside [1, %d) for length-%d trajectories",
				ndt, tr.LenTraj, tr.LenTraj)
		}
	}

	stats := &autoregressive.Stats{
		ResidualMean:   make(map[int]*tensors.Tensor, len(stepSizes)),
		ResidualStd:    make(map[int]*tensors.Tensor, len(stepSizes)),
		DerivativeMean: make(map[int]*tensors.Tensor, len(stepSizes)),
		DerivativeStd:  make(map[int]*tensors.Tensor, len(stepSizes)),
	}

	mean, std := trajectoryMoments(tr)
	floorZeros(std, "trajectory")
	stats.TrajectoryMean = perVarTensor(mean, tr.NumVars)
	stats.TrajectoryStd = perVarTensor(std, tr.NumVars)

	for _, ndt := range stepSizes {
		rMean, rStd := residualMoments(tr, ndt)
		scale := float64(ndt) * timeStep
		dMean, dStd := make([]float64, tr.NumVars), make([]float64, tr.NumVars)
		for v := range dMean {
			dMean[v] = rMean[v] / scale
			dStd[v] = rStd[v] / scale
		}
		floorZeros(rStd, "residual")
		floorZeros(dStd, "derivative")
		stats.ResidualMean[ndt] = perVarTensor(rMean, tr.NumVars)
		stats.ResidualStd[ndt] = perVarTensor(rStd, tr.NumVars)
		stats.DerivativeMean[ndt] = perVarTensor(dMean, tr.NumVars)
		stats.DerivativeStd[ndt] = perVarTensor(dStd, tr.NumVars)
	}
	return stats, nil
}

func trajectoryMoments(tr *Trajectories) (mean, std []float64) {
	sum := make([]float64, tr.NumVars)
	sumSq := make([]float64, tr.NumVars)
	v := 0
	for _, x := range tr.Data {
		sum[v] += float64(x)
		sumSq[v] += float64(x) * float64(x)
		v++
		if v == tr.NumVars {
			v = 0
		}
	}
	count := float64(len(tr.Data) / tr.NumVars)
	return moments(sum, sumSq, count)
}

func residualMoments(tr *Trajectories, ndt int) (mean, std []float64) {
	sum := make([]float64, tr.NumVars)
	sumSq := make([]float64, tr.NumVars)
	numPairs := tr.LenTraj - ndt
	for sample := 0; sample < tr.NumSamples; sample++ {
		for t := 0; t < numPairs; t++ {
			inp, tgt := tr.Frame(sample, t), tr.Frame(sample, t+ndt)
			for i, x := range tgt {
				r := float64(x) - float64(inp[i])
				v := i % tr.NumVars
				sum[v] += r
				sumSq[v] += r * r
			}
		}
	}
	count := float64(tr.NumSamples * numPairs * tr.NumGridPoints)
	return moments(sum, sumSq, count)
}

func moments(sum, sumSq []float64, count float64) (mean, std []float64) {
	mean = make([]float64, len(sum))
	std = make([]float64, len(sum))
	for v := range sum {
		mean[v] = sum[v] / count
		variance := sumSq[v]/count - mean[v]*mean[v]
		if variance < 0 {
			variance = 0
		}
		std[v] = math.Sqrt(variance)
	}
	return
}

func floorZeros(std []float64, kind string) {
	for v, s := range std {
		if s == 0 {
			klog.Warningf("dataset: %s std of variable %d is zero, flooring to 1", kind, v)
			std[v] = 1
		}
	}
}

func perVarTensor(values []float64, numVars int) *tensors.Tensor {
	data := make([]float32, numVars)
	for v := range data {
		data[v] = float32(values[v])
	}
	return tensors.FromFlatDataAndDimensions(data, 1, 1, 1, numVars)
}
