// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package birds

// This file implements the CNN model: two convolution blocks followed by a dense layer.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

const (
	// ParamModel selects the model function from ModelsFns.
	ParamModel = "model"

	// ParamNumClasses is the number of classes the model outputs. It is set by TrainModel from the
	// training manifest, and saved along with the checkpoint.
	ParamNumClasses = "num_classes"

	// ParamClassNames holds the class names, if the training labels were not integers.
	ParamClassNames = "class_names"

	// ParamImageSize is the height and width of the model input images.
	ParamImageSize = "image_size"
)

// ModelsFns maps the "model" hyperparameter to its model function.
var ModelsFns = map[string]train.ModelFn{
	"cnn": CnnModelGraph,
}

// SelectModelFn based on the hyperparameter "model" in the context.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, "cnn")
	modelFn, found := ModelsFns[modelType]
	if !found {
		return nil, errors.Errorf("parameter %q must take one value from %q, got %q",
			ParamModel, xslices.SortedKeys(ModelsFns), modelType)
	}
	return modelFn, nil
}

// CnnModelGraph implements train.ModelFn and returns the logits, given the images.
//
// inputs: only one tensor, with the images shaped `[batch_size, height, width, 3]`.
// The number of classes is read from the ParamNumClasses hyperparameter.
func CnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec              // Not used, all batches are the same.
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	images := inputs[0]
	images.AssertRank(4)
	batchSize := images.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		exceptions.Panicf("hyperparameter %q must be set to the number of classes, got %d", ParamNumClasses, numClasses)
	}

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	logits := images
	for _, channels := range []int{32, 64} {
		logits = layers.Convolution(nextCtx("conv"), logits).Channels(channels).KernelSize(3).NoPadding().Done()
		logits = activations.Relu(logits)
		logits = maxPool2x2(logits)
	}

	// Flatten and classify.
	logits = Reshape(logits, batchSize, -1)
	logits = layers.Dense(nextCtx("dense"), logits, true, 128)
	logits = activations.Relu(logits)
	logits = layers.Dense(nextCtx("dense"), logits, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return []*Node{logits}
}

// maxPool2x2 is a 2x2 max-pooling with stride 2 and no padding, on `[batch, height, width, channels]`.
// An odd last row or column is dropped.
//
// It is expressed with Reshape and ReduceMax instead of MaxPool, whose gradient not every backend implements.
func maxPool2x2(x *Node) *Node {
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if height < 2 || width < 2 {
		exceptions.Panicf("maxPool2x2 requires height and width >= 2, got shape %s", x.Shape())
	}
	if height%2 != 0 || width%2 != 0 {
		x = Slice(x, AxisRange(), AxisRangeFromStart(height-height%2), AxisRangeFromStart(width-width%2), AxisRange())
	}
	x = Reshape(x, batchSize, height/2, 2, width/2, 2, channels)
	return ReduceMax(x, 2, 4)
}

// PredictionGraph returns the probability of each class, shaped `[batch_size, num_classes]`.
// It uses the model selected by the hyperparameter "model".
func PredictionGraph(ctx *context.Context, images *Node) *Node {
	modelFn, err := SelectModelFn(ctx)
	if err != nil {
		panic(err)
	}
	logits := modelFn(ctx, nil, []*Node{images})[0]
	return Softmax(logits, -1)
}
