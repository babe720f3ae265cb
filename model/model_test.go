package model

import (
	"testing"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestFromContext(t *testing.T) {
	ctx := context.New()
	op, err := FromContext(ctx)
	require.NoError(t, err)
	assert.IsType(t, FNN{}, op)

	ctx.SetParam(ParamModel, "cnn")
	op, err = FromContext(ctx)
	require.NoError(t, err)
	assert.IsType(t, CNN{}, op)

	ctx.SetParam(ParamModel, "transformer")
	_, err = FromContext(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gnpde.ErrConfiguration), "got %v", err)
}

// runOperator builds the operator graph on a [2, 1, 8, 3] state, with
// or without a [2, 2] specs input, and returns the output tensor.
func runOperator(t *testing.T, name string, withSpecs bool, ndt int) *tensors.Tensor {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamModel, name)
	ctx.SetParam("fnn_num_hidden_layers", 1)
	ctx.SetParam("fnn_num_hidden_nodes", 4)
	ctx.SetParam(ParamCNNLayers, 2)
	ctx.SetParam(ParamCNNChannels, 4)
	op, err := FromContext(ctx)
	require.NoError(t, err)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, uInp *Node) *Node {
		var specs *Node
		if withSpecs {
			specs = Ones(uInp.Graph(), shapes.Make(uInp.DType(), 2, 2))
		}
		return op.BuildGraph(ctx, specs, uInp, ndt)
	})
	uInp := tensors.FromFlatDataAndDimensions(make([]float32, 2*8*3), 2, 1, 8, 3)
	return exec.MustExec1(uInp)
}

func TestOperatorsPreserveStateShape(t *testing.T) {
	for _, name := range ValidModels {
		for _, withSpecs := range []bool{false, true} {
			got := runOperator(t, name, withSpecs, 2)
			assert.Equal(t, []int{2, 1, 8, 3}, got.Shape().Dimensions,
				"model %q, withSpecs=%t", name, withSpecs)
		}
	}
}
