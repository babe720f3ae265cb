// Package model provides the stepping operators the autoregressive
// predictor rolls out: a fully connected baseline and a convolutional
// operator for spatially structured grids. The operator is selected
// through the "model" context hyperparameter.
package model

import (
	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/autoregressive"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

const (
	// ParamModel selects the operator architecture: one of ValidModels.
	ParamModel = "model"

	// ParamCNNLayers, ParamCNNChannels and ParamCNNKernelSize configure
	// the convolutional operator.
	ParamCNNLayers     = "cnn_num_layers"
	ParamCNNChannels   = "cnn_num_channels"
	ParamCNNKernelSize = "cnn_kernel_size"

	// ParamNdtScale divides the step multiplier before it enters the
	// network as a conditioning feature.
	ParamNdtScale = "ndt_scale"
)

// ValidModels lists the supported operator architectures.
var ValidModels = []string{"fnn", "cnn"}

// FromContext builds the operator named by the "model" hyperparameter.
func FromContext(ctx *context.Context) (autoregressive.Operator, error) {
	name := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	switch name {
	case "fnn":
		return FNN{}, nil
	case "cnn":
		return CNN{}, nil
	}
	return nil, errors.WithMessagef(gnpde.ErrConfiguration,
		"unknown model %q, valid values are %v", name, ValidModels)
}

// ndtFeature returns the step multiplier as a [batch, 1] conditioning
// column, scaled down so large horizons stay in a range comparable to
// the normalized states.
func ndtFeature(ctx *context.Context, like *Node, ndt int) *Node {
	g := like.Graph()
	scale := context.GetParamOr(ctx, ParamNdtScale, 10.0)
	batchSize := like.Shape().Dimensions[0]
	ones := Ones(g, shapes.Make(like.DType(), batchSize, 1))
	return MulScalar(ones, float64(ndt)/scale)
}

// FNN flattens the state and feeds it through a feed-forward network
// configured by the fnn package hyperparameters ("fnn_num_hidden_layers"
// and friends). Suitable for small grids, where a dense operator can
// afford to see every grid point at once.
type FNN struct{}

// BuildGraph implements autoregressive.Operator.
func (FNN) BuildGraph(ctx *context.Context, specs, uInp *Node, ndt int) *Node {
	dims := uInp.Shape().Dimensions
	batchSize, numGridPoints, numVars := dims[0], dims[2], dims[3]

	x := Reshape(uInp, batchSize, numGridPoints*numVars)
	features := []*Node{x, ndtFeature(ctx, uInp, ndt)}
	if specs != nil {
		features = append(features, specs)
	}
	x = Concatenate(features, -1)
	x = fnn.New(ctx.In("fnn"), x, numGridPoints*numVars).Done()
	return Reshape(x, batchSize, 1, numGridPoints, numVars)
}

// CNN applies a stack of same-padded 1D convolutions over the grid axis,
// with the conditioning features broadcast as extra input channels. The
// receptive field grows with depth, matching the locality of the
// underlying equations.
type CNN struct{}

// BuildGraph implements autoregressive.Operator.
func (CNN) BuildGraph(ctx *context.Context, specs, uInp *Node, ndt int) *Node {
	dims := uInp.Shape().Dimensions
	batchSize, numGridPoints, numVars := dims[0], dims[2], dims[3]
	numLayers := context.GetParamOr(ctx, ParamCNNLayers, 4)
	numChannels := context.GetParamOr(ctx, ParamCNNChannels, 64)
	kernelSize := context.GetParamOr(ctx, ParamCNNKernelSize, 7)

	x := Reshape(uInp, batchSize, numGridPoints, numVars)

	// Conditioning enters as constant channels over the grid.
	cond := ndtFeature(ctx, uInp, ndt)
	if specs != nil {
		cond = Concatenate([]*Node{cond, specs}, -1)
	}
	numCond := cond.Shape().Dimensions[1]
	cond = BroadcastToDims(InsertAxes(cond, 1), batchSize, numGridPoints, numCond)
	x = Concatenate([]*Node{x, cond}, -1)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	for range numLayers {
		x = layers.Convolution(nextCtx("conv"), x).
			Channels(numChannels).KernelSize(kernelSize).PadSame().Done()
		x = activations.ApplyFromContext(nextCtx("activation"), x)
	}
	x = layers.Convolution(nextCtx("project"), x).Channels(numVars).KernelSize(1).Done()
	return Reshape(x, batchSize, 1, numGridPoints, numVars)
}
