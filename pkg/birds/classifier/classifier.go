// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier loads a bird classifier trained with birds.TrainModel and uses it to
// classify images and generate the predictions for a test manifest.
//
// To use it, create a Classifier with New(), and then call Classify for individual images, or
// Predict for a whole dataset.
package classifier

import (
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/birds/pkg/birds"
	"github.com/gomlx/birds/pkg/manifest"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Classifier holds a trained model compiled for inference.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights and hyperparameters.
	ctx *context.Context

	// exec takes a batch of images and returns the probabilities of each class.
	exec *context.Exec

	imageSize, numClasses, evalBatchSize int
	classNames                           []string
	filter                               imaging.ResampleFilter
	toTensor                             *timage.ToTensorConfig
}

// New loads the model saved in modelDir, using a backend created with the default configuration
// (see backends.New, it can be configured with GOMLX_BACKEND).
func New(modelDir string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	return NewWithBackend(backend, modelDir)
}

// NewWithBackend loads the model saved in modelDir, and compiles it for the given backend.
func NewWithBackend(backend backends.Backend, modelDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
	}

	// All hyperparameters are read from the checkpoint, so the same model is built.
	_, err := checkpoints.Load(c.ctx).Dir(modelDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", modelDir)
	}
	c.ctx = c.ctx.Reuse()

	c.imageSize = context.GetParamOr(c.ctx, birds.ParamImageSize, 0)
	c.numClasses = context.GetParamOr(c.ctx, birds.ParamNumClasses, 0)
	c.evalBatchSize = context.GetParamOr(c.ctx, birds.ParamEvalBatchSize, 32)
	c.classNames = context.GetParamOr[[]string](c.ctx, birds.ParamClassNames, nil)
	if c.imageSize <= 0 || c.numClasses <= 0 {
		return nil, errors.Errorf("model in %q has invalid %s=%d or %s=%d", modelDir,
			birds.ParamImageSize, c.imageSize, birds.ParamNumClasses, c.numClasses)
	}
	if c.evalBatchSize <= 0 {
		c.evalBatchSize = context.GetParamOr(c.ctx, birds.ParamBatchSize, 32)
	}
	c.filter, err = birds.ResizeFilterByName(context.GetParamOr(c.ctx, birds.ParamResizeFilter, "nearest"))
	if err != nil {
		return nil, err
	}
	if _, err = birds.SelectModelFn(c.ctx); err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from %q", modelDir)
	}
	c.toTensor = timage.ToTensor(birds.DType).MaxValue(1.0)

	c.exec, err = context.NewExec(c.backend, c.ctx, birds.PredictionGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model executor")
	}
	return c, nil
}

// ImageSize is the height and width of the images the model takes.
func (c *Classifier) ImageSize() int { return c.imageSize }

// NumClasses the model predicts.
func (c *Classifier) NumClasses() int { return c.numClasses }

// ClassNames returns the names of the classes, or nil if the model was trained with integer labels.
func (c *Classifier) ClassNames() []string { return c.classNames }

// Probabilities returns the probability of each class for each image.
// Images are resized to the model's input size if needed.
func (c *Classifier) Probabilities(imgs []image.Image) ([][]float32, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		resized[ii] = birds.ResizeImage(img, c.imageSize, c.filter)
	}
	input := c.toTensor.Batch(resized)
	defer input.FinalizeAll()
	var output *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() { output, execErr = c.exec.Exec1(input) })
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run model")
	}
	defer output.FinalizeAll()
	flat := tensors.MustCopyFlatData[float32](output)
	probs := make([][]float32, len(imgs))
	for ii := range probs {
		probs[ii] = flat[ii*c.numClasses : (ii+1)*c.numClasses]
	}
	return probs, nil
}

// Classify returns the class index with the highest probability for img.
func (c *Classifier) Classify(img image.Image) (int, error) {
	probs, err := c.Probabilities([]image.Image{img})
	if err != nil {
		return 0, err
	}
	return argMax(probs[0]), nil
}

// Predict classifies every example of ds, and returns the predicted class indices in the order of the
// examples. The dataset should not be shuffled or infinite, and it is reset before returning.
func (c *Classifier) Predict(ds *birds.Dataset, showProgress bool) ([]int, error) {
	predictions := make([]int, ds.Len())
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(ds.Len()), "classifying")
	}
	defer ds.Reset()
	for {
		imgs, _, indices, err := ds.YieldImages()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		probs, err := c.Probabilities(imgs)
		if err != nil {
			return nil, errors.WithMessagef(err, "classifying dataset %q", ds.Name())
		}
		for ii, exampleIdx := range indices {
			predictions[exampleIdx] = argMax(probs[ii])
		}
		if bar != nil {
			_ = bar.Add(len(indices))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return predictions, nil
}

// PredictManifest classifies the images of the test manifest configured in config, and writes the
// submission to config.SubmissionPath.
//
// Every image listed in the manifest must exist: a missing image is reported as an error.
// It returns the number of images classified.
func (c *Classifier) PredictManifest(config *birds.Config) (int, error) {
	m, err := manifest.LoadTest(config.TestCSV, config.TestDir, config.Columns)
	if err != nil {
		return 0, err
	}
	for ii, p := range m.Paths() {
		info, err := os.Stat(p)
		if err != nil {
			return 0, errors.Wrapf(err, "test manifest %q, row %d", config.TestCSV, ii)
		}
		if !info.Mode().IsRegular() {
			return 0, errors.Errorf("test manifest %q, row %d: %q is not a file", config.TestCSV, ii, p)
		}
	}

	var predictions []int
	if m.Len() > 0 {
		ds, err := birds.NewDataset("test", birds.Examples{Paths: m.Paths()}, birds.DatasetConfig{
			BatchSize: c.evalBatchSize,
			ImageSize: c.imageSize,
			Filter:    c.filter,
			DType:     birds.DType,
		})
		if err != nil {
			return 0, err
		}
		predictions, err = c.Predict(ds, config.ProgressBar)
		if err != nil {
			return 0, err
		}
	} else {
		klog.Warningf("test manifest %q is empty, writing a submission without predictions", config.TestCSV)
	}
	if err = manifest.WriteSubmissionFile(config.SubmissionPath, m.Filenames(), predictions); err != nil {
		return 0, err
	}
	return m.Len(), nil
}

func argMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}
