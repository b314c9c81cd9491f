// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package birds

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/birds/pkg/birds/birdstest"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig writes a small synthetic dataset and returns a configuration for it.
func testConfig(t *testing.T, opts birdstest.Options) (*Config, *birdstest.Dataset) {
	dataDir := t.TempDir()
	data := birdstest.WriteDataset(t, dataDir, opts)
	config := NewConfig(dataDir)
	config.ModelDir = filepath.Join(t.TempDir(), DefaultModelDir)
	config.SubmissionPath = filepath.Join(dataDir, DefaultSubmission)
	config.UseParallelism = false
	config.ProgressBar = false
	return config, data
}

// smallContext returns a context with hyperparameters for a quick training.
func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamNumEpochs:   2,
		ParamBatchSize:   4,
		ParamImageSize:   16,
		ParamShuffleSeed: 1,
	})
	return ctx
}

func TestCreateDatasets(t *testing.T) {
	config, data := testConfig(t, birdstest.Options{
		NumTrain: 10, NumMissing: 3, NumTest: 1, NumClasses: 3, Width: 24, Height: 20})
	ctx := smallContext()
	trainDS, validationDS, labels, split, numMissing, err := CreateDatasets(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, 3, numMissing)
	assert.Equal(t, 3, labels.NumClasses)
	assert.Equal(t, data.TrainLabels, labels.Indices)
	assert.Equal(t, 2, split[1].Len())
	assert.Equal(t, 8, split[0].Len())
	require.NotNil(t, validationDS)

	// Validation takes the first rows.
	assert.Equal(t, filepath.Join(config.TrainDir, data.TrainFiles[0]), split[1].Paths[0])

	_, inputs, batchLabels, err := trainDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 16, 16, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{4, 1}, batchLabels[0].Shape().Dimensions)
}

func TestCreateDatasetsNoValidation(t *testing.T) {
	config, _ := testConfig(t, birdstest.Options{NumTrain: 4, NumClasses: 2, Width: 8, Height: 8})
	ctx := smallContext()
	ctx.SetParam(ParamValidationSplit, 0.0)
	_, validationDS, _, split, _, err := CreateDatasets(ctx, config)
	require.NoError(t, err)
	assert.Nil(t, validationDS)
	assert.Equal(t, 4, split[0].Len())

	// All examples for validation leaves nothing to train on.
	ctx.SetParam(ParamValidationSplit, 1.0)
	_, _, _, _, _, err = CreateDatasets(ctx, config)
	require.Error(t, err)
}

func TestCreateDatasetsNoImages(t *testing.T) {
	config, _ := testConfig(t, birdstest.Options{NumMissing: 3, NumClasses: 2, Width: 8, Height: 8})
	_, _, _, _, _, err := CreateDatasets(smallContext(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid training images")
}

func TestLossAndAccuracy(t *testing.T) {
	assert.True(t, math.IsNaN(nan()))
	assert.Equal(t, 0.5, scalarToFloat64(tensors.FromScalar(float32(0.5))))
	assert.Equal(t, 3.0, scalarToFloat64(tensors.FromScalar(int64(3))))
	loss, accuracy := lossAndAccuracy(nil, nil)
	assert.True(t, math.IsNaN(loss))
	assert.True(t, math.IsNaN(accuracy))
}

// TestTrainModel trains the model for 2 epochs over a tiny synthetic dataset, and then resumes training
// from the saved checkpoint.
func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	config, _ := testConfig(t, birdstest.Options{
		NumTrain: 20, NumMissing: 2, NumTest: 4, NumClasses: 2, Width: 20, Height: 20})
	backend, err := backends.New()
	require.NoError(t, err)

	result, err := TrainModel(smallContext(), backend, config, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, result.NumExamples)
	assert.Equal(t, 2, result.NumMissing)
	assert.Equal(t, 16, result.NumTrain)
	assert.Equal(t, 4, result.NumValidation)
	assert.Equal(t, 2, result.NumClasses)
	require.Len(t, result.Epochs, 2)
	for ii, epoch := range result.Epochs {
		assert.Equal(t, ii+1, epoch.Epoch)
		assert.False(t, math.IsNaN(epoch.TrainLoss), "epoch %d train loss", epoch.Epoch)
		assert.False(t, math.IsNaN(epoch.ValidationAccuracy), "epoch %d validation accuracy", epoch.Epoch)
		assert.GreaterOrEqual(t, epoch.ValidationAccuracy, 0.0)
		assert.LessOrEqual(t, epoch.ValidationAccuracy, 1.0)
	}
	// 16 training examples in batches of 4.
	assert.Equal(t, int64(8), result.GlobalStep)

	// The saved checkpoint holds the hyperparameters needed to rebuild the model.
	loaded := context.New()
	_, err = checkpoints.Load(loaded).Dir(config.ModelDir).Done()
	require.NoError(t, err)
	assert.Equal(t, 2, context.GetParamOr(loaded, ParamNumClasses, 0))
	assert.Equal(t, 16, context.GetParamOr(loaded, ParamImageSize, 0))
	assert.Equal(t, int64(8), optimizers.GetGlobalStep(loaded))

	// Resuming continues from the saved global step.
	ctx := smallContext()
	ctx.SetParam(ParamNumEpochs, 1)
	result, err = TrainModel(ctx, backend, config, []string{ParamNumEpochs})
	require.NoError(t, err)
	assert.Equal(t, int64(12), result.GlobalStep)

	// Overwrite starts from scratch.
	config.Overwrite = true
	ctx = smallContext()
	ctx.SetParam(ParamNumEpochs, 1)
	result, err = TrainModel(ctx, backend, config, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.GlobalStep)
}

// TestTrainModelParallel trains on a dataset small enough to fit in the parallel reader's buffer.
func TestTrainModelParallel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	config, _ := testConfig(t, birdstest.Options{NumTrain: 10, NumClasses: 2, Width: 16, Height: 16})
	config.UseParallelism = true
	backend, err := backends.New()
	require.NoError(t, err)

	type trainOutput struct {
		result *TrainResult
		err    error
	}
	done := make(chan trainOutput, 1)
	go func() {
		result, err := TrainModel(smallContext(), backend, config, nil)
		done <- trainOutput{result, err}
	}()
	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Len(t, out.result.Epochs, 2)
		// 8 training examples in batches of 4.
		assert.Equal(t, int64(4), out.result.GlobalStep)
	case <-time.After(5 * time.Minute):
		t.Fatal("TrainModel with a parallel dataset did not return")
	}
}

func TestTrainModelNumClassesMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	config, _ := testConfig(t, birdstest.Options{NumTrain: 8, NumClasses: 2, Width: 16, Height: 16})
	backend, err := backends.New()
	require.NoError(t, err)
	ctx := smallContext()
	ctx.SetParam(ParamNumEpochs, 1)
	_, err = TrainModel(ctx, backend, config, nil)
	require.NoError(t, err)

	// Same model directory, a dataset with more classes.
	other, _ := testConfig(t, birdstest.Options{NumTrain: 8, NumClasses: 4, Width: 16, Height: 16})
	other.ModelDir = config.ModelDir
	ctx = smallContext()
	ctx.SetParam(ParamNumEpochs, 1)
	_, err = TrainModel(ctx, backend, other, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classes")
}

func TestDTypeDefault(t *testing.T) {
	assert.Equal(t, dtypes.Float32, DType)
}
