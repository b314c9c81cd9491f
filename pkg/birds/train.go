// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package birds

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/birds/pkg/manifest"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	ParamNumEpochs       = "num_epochs"
	ParamBatchSize       = "batch_size"
	ParamEvalBatchSize   = "eval_batch_size"
	ParamValidationSplit = "validation_split"
	ParamResizeFilter    = "resize_filter"
	ParamNumCheckpoints  = "num_checkpoints"
	ParamShuffleSeed     = "shuffle_seed"
)

var (
	// DType used by the model.
	DType = dtypes.Float32

	// ParamsExcludedFromLoading are hyperparameters that are not read back from a checkpoint when
	// resuming training, so a new session can change them.
	ParamsExcludedFromLoading = []string{
		ParamNumEpochs, ParamEvalBatchSize, ParamNumCheckpoints, ParamShuffleSeed,
	}

	// CheckpointPeriod is how often a checkpoint is saved during training, on top of the one
	// saved at the end.
	CheckpointPeriod = 3 * time.Minute
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamModel:      "cnn",
		ParamNumClasses: 0, // Set from the training manifest.

		ParamNumEpochs:       10,
		ParamBatchSize:       32,
		ParamEvalBatchSize:   32,
		ParamImageSize:       128,
		ParamValidationSplit: 0.2,
		ParamResizeFilter:    "nearest",
		ParamNumCheckpoints:  1,

		// ParamShuffleSeed seeds the shuffling of the training data. If 0 it is seeded with the time.
		ParamShuffleSeed: 0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// EpochMetrics holds the metrics collected at the end of one epoch of training.
type EpochMetrics struct {
	// Epoch number, starting from 1.
	Epoch int

	// TrainLoss is the moving average loss reported by the trainer at the end of the epoch.
	TrainLoss float64

	// TrainAccuracy is the moving average accuracy at the end of the epoch.
	TrainAccuracy float64

	// ValidationLoss and ValidationAccuracy are evaluated over the whole validation dataset.
	// They are NaN if there is no validation data.
	ValidationLoss, ValidationAccuracy float64
}

func (m EpochMetrics) String() string {
	return fmt.Sprintf("epoch %d: loss=%.4f accuracy=%.2f%% - val_loss=%.4f val_accuracy=%.2f%%",
		m.Epoch, m.TrainLoss, 100*m.TrainAccuracy, m.ValidationLoss, 100*m.ValidationAccuracy)
}

// TrainResult summarizes a call to TrainModel.
type TrainResult struct {
	// NumExamples is the number of valid training images, and NumMissing the number of rows of the
	// training manifest dropped because the image file was missing.
	NumExamples, NumMissing int

	// NumTrain and NumValidation examples after the split.
	NumTrain, NumValidation int

	// NumClasses the model was built with.
	NumClasses int

	// Epochs metrics, one per epoch trained.
	Epochs []EpochMetrics

	// GlobalStep after training.
	GlobalStep int64

	// ModelDir where the model was saved.
	ModelDir string
}

// CreateDatasets reads the training manifest, drops the rows whose images are missing and creates the
// training and validation datasets.
//
// It returns also the labels summary and the number of missing images.
func CreateDatasets(ctx *context.Context, config *Config) (trainDS, validationDS train.Dataset,
	labels *manifest.Labels, split [2]Examples, numMissing int, err error) {
	m, err := manifest.LoadTrain(config.TrainCSV, config.TrainDir, config.Columns)
	if err != nil {
		return
	}
	m, numMissing = m.FilterExisting()
	if m.Len() == 0 {
		err = errors.Errorf("no valid training images found in %q (%d rows in %q)",
			config.TrainDir, numMissing, config.TrainCSV)
		return
	}
	labels, err = m.Labels()
	if err != nil {
		err = errors.WithMessagef(err, "labels in %q", config.TrainCSV)
		return
	}

	examples := Examples{Paths: m.Paths(), Labels: labels.Indices}
	trainExamples, validationExamples := examples.Split(context.GetParamOr(ctx, ParamValidationSplit, 0.2))
	split = [2]Examples{trainExamples, validationExamples}
	if trainExamples.Len() == 0 {
		err = errors.Errorf("no training examples left after taking %d for validation", validationExamples.Len())
		return
	}

	filter, err := ResizeFilterByName(context.GetParamOr(ctx, ParamResizeFilter, "nearest"))
	if err != nil {
		return
	}
	seed := int64(context.GetParamOr(ctx, ParamShuffleSeed, 0))
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	shuffle := rand.New(rand.NewSource(seed))
	imageSize := context.GetParamOr(ctx, ParamImageSize, 128)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}

	baseTrainDS, err := NewDataset("train", trainExamples, DatasetConfig{
		BatchSize: batchSize,
		ImageSize: imageSize,
		Filter:    filter,
		Shuffle:   shuffle,
		DType:     DType,
	})
	if err != nil {
		return
	}
	trainDS = baseTrainDS
	if config.UseParallelism {
		trainDS = datasets.CustomParallel(baseTrainDS).Buffer(config.BufferSize).Start()
	}
	if validationExamples.Len() > 0 {
		validationDS, err = NewDataset("validation", validationExamples, DatasetConfig{
			BatchSize: evalBatchSize,
			ImageSize: imageSize,
			Filter:    filter,
			DType:     DType,
		})
		if err != nil {
			return
		}
	}
	return
}

// TrainModel trains the model described by the hyperparameters in ctx on the training manifest
// configured in config, and saves it to config.ModelDir.
//
// Training runs for "num_epochs" epochs, and the validation dataset is evaluated at the end of each epoch.
// If config.ModelDir already holds a checkpoint (and config.Overwrite is false), training resumes from it.
//
// paramsSet are hyperparameters set by the user (see commandline.ParseContextSettings): they take
// precedence over the values saved in a previous checkpoint.
func TrainModel(ctx *context.Context, backend backends.Backend, config *Config, paramsSet []string) (
	result *TrainResult, err error) {
	var trainErr error
	err = exceptions.TryCatch[error](func() { result, trainErr = trainModel(ctx, backend, config, paramsSet) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to train model")
	}
	return result, trainErr
}

func trainModel(ctx *context.Context, backend backends.Backend, config *Config, paramsSet []string) (
	*TrainResult, error) {
	if config.ModelDir == "" {
		return nil, errors.New("model directory not configured")
	}
	if config.Overwrite {
		klog.V(1).Infof("removing previous model in %q", config.ModelDir)
		if err := os.RemoveAll(config.ModelDir); err != nil {
			return nil, errors.Wrapf(err, "failed to remove previous model in %q", config.ModelDir)
		}
	}

	// Checkpoint: it loads the previous model if one exists, and saves as we train.
	checkpoint, err := checkpoints.Build(ctx).
		Dir(config.ModelDir).
		Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 1)).
		ExcludeParams(append(slices.Clone(paramsSet), ParamsExcludedFromLoading...)...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", config.ModelDir)
	}
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep > 0 {
		fmt.Printf("Resuming training from %q (global_step=%d)\n", config.ModelDir, globalStep)
	}

	trainDS, validationDS, labels, split, numMissing, err := CreateDatasets(ctx, config)
	if err != nil {
		return nil, err
	}
	result := &TrainResult{
		NumExamples:   split[0].Len() + split[1].Len(),
		NumMissing:    numMissing,
		NumTrain:      split[0].Len(),
		NumValidation: split[1].Len(),
		NumClasses:    labels.NumClasses,
		ModelDir:      config.ModelDir,
	}
	fmt.Printf("Found %s valid training images (%s missing): %s for training, %s for validation, %d classes\n",
		humanize.Comma(int64(result.NumExamples)), humanize.Comma(int64(numMissing)),
		humanize.Comma(int64(result.NumTrain)), humanize.Comma(int64(result.NumValidation)), labels.NumClasses)
	if result.NumValidation == 0 {
		klog.Warningf("no validation examples, validation metrics will not be available")
	}

	// The number of classes is part of the model: it can't change when resuming.
	if previous := context.GetParamOr(ctx, ParamNumClasses, 0); globalStep > 0 && previous != labels.NumClasses {
		return nil, errors.Errorf("model in %q was trained with %d classes, but the training manifest has %d: "+
			"use a new model directory or overwrite it", config.ModelDir, previous, labels.NumClasses)
	}
	ctx.SetParam(ParamNumClasses, labels.NumClasses)
	if labels.Names != nil {
		ctx.SetParam(ParamClassNames, labels.Names)
	}

	modelFn, err := SelectModelFn(ctx)
	if err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("hyperparameters:\n%s", commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if config.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	train.PeriodicCallback(loop, CheckpointPeriod, false, "saving checkpoint", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return checkpoint.Save()
		})

	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 10)
	for epoch := range numEpochs {
		fmt.Printf("Epoch %d/%d\n", epoch+1, numEpochs)
		trainMetrics, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch+1)
		}
		epochMetrics := EpochMetrics{Epoch: epoch + 1}
		epochMetrics.TrainLoss, epochMetrics.TrainAccuracy = lossAndAccuracy(trainer.TrainMetrics(), trainMetrics)
		epochMetrics.ValidationLoss, epochMetrics.ValidationAccuracy = nan(), nan()
		if validationDS != nil {
			evalMetrics, err := trainer.Eval(validationDS)
			if err != nil {
				return nil, errors.WithMessagef(err, "evaluating validation data after epoch %d", epoch+1)
			}
			validationDS.Reset()
			epochMetrics.ValidationLoss, epochMetrics.ValidationAccuracy = lossAndAccuracy(trainer.EvalMetrics(), evalMetrics)
		}
		fmt.Println(epochMetrics)
		klog.V(1).Infof("%s (global_step=%d, median step %s)", epochMetrics, optimizers.GetGlobalStep(ctx),
			loop.MedianTrainStepDuration())
		result.Epochs = append(result.Epochs, epochMetrics)
	}

	if err = checkpoint.Save(); err != nil {
		return nil, errors.WithMessagef(err, "failed to save model to %q", config.ModelDir)
	}
	result.GlobalStep = optimizers.GetGlobalStep(ctx)
	fmt.Printf("Model saved to %q (global_step=%d)\n", config.ModelDir, result.GlobalStep)
	return result, nil
}

// lossAndAccuracy picks the loss and accuracy values from a list of metrics, by their type.
// Missing values are returned as NaN.
func lossAndAccuracy(metricsInterfaces []metrics.Interface, values []*tensors.Tensor) (loss, accuracy float64) {
	loss, accuracy = nan(), nan()
	for ii, metric := range metricsInterfaces {
		if ii >= len(values) {
			break
		}
		switch metric.MetricType() {
		case metrics.LossMetricType:
			loss = scalarToFloat64(values[ii])
		case metrics.AccuracyMetricType:
			accuracy = scalarToFloat64(values[ii])
		}
	}
	return
}

// scalarToFloat64 converts a scalar metric tensor to float64.
func scalarToFloat64(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		exceptions.Panicf("metric value of unexpected type %T (shape %s)", v, t.Shape())
	}
	return 0
}

func nan() float64 { return math.NaN() }
