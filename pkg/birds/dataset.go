// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package birds

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Examples is a list of image paths and, optionally, their class indices.
type Examples struct {
	Paths []string

	// Labels has one class index per path, or it is nil for unlabeled examples.
	Labels []int
}

// Len returns the number of examples.
func (e Examples) Len() int { return len(e.Paths) }

// Split the examples into training and validation: the first validationFraction of the examples
// are used for validation and the remaining for training. Order is preserved.
func (e Examples) Split(validationFraction float64) (trainExamples, validationExamples Examples) {
	numValidation := int(validationFraction * float64(len(e.Paths)))
	numValidation = min(max(numValidation, 0), len(e.Paths))
	validationExamples.Paths = e.Paths[:numValidation]
	trainExamples.Paths = e.Paths[numValidation:]
	if e.Labels != nil {
		validationExamples.Labels = e.Labels[:numValidation]
		trainExamples.Labels = e.Labels[numValidation:]
	}
	return
}

// DatasetConfig configures how a Dataset yields its batches.
type DatasetConfig struct {
	// BatchSize is the maximum number of examples per batch. The last batch of an epoch may be smaller.
	BatchSize int

	// ImageSize is the height and width of the images yielded.
	ImageSize int

	// Filter used to resize the images.
	Filter imaging.ResampleFilter

	// Shuffle, if not nil, is used to shuffle the examples at every epoch.
	Shuffle *rand.Rand

	// Infinite datasets loop over the examples, never returning io.EOF.
	Infinite bool

	// DType of the images tensor. Pixel values are rescaled to [0, 1].
	DType dtypes.DType
}

// Dataset implements train.Dataset, yielding batches of images read from disk along with their labels.
//
// Each call to Yield returns:
//
//   - spec: nil, all batches share the same type.
//   - inputs: one tensor with the images, shaped `[batch_size, image_size, image_size, 3]`.
//   - labels: one tensor with the class indices as Int64, shaped `[batch_size, 1]`, or nil if
//     the examples are unlabeled.
//
// Yield is safe for concurrent use, so Dataset can be wrapped with datasets.CustomParallel, as long as
// the order of the batches doesn't matter.
type Dataset struct {
	name, shortName string
	examples        Examples
	config          DatasetConfig
	toTensor        *timage.ToTensorConfig

	// muSelection protects next, selection and the shuffle random number generator.
	muSelection sync.Mutex
	next        int
	selection   []int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset for the given examples.
func NewDataset(name string, examples Examples, config DatasetConfig) (*Dataset, error) {
	if examples.Labels != nil && len(examples.Labels) != len(examples.Paths) {
		return nil, errors.Errorf("dataset %q: %d image paths but %d labels",
			name, len(examples.Paths), len(examples.Labels))
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("dataset %q: image size must be > 0, got %d", name, config.ImageSize)
	}
	if config.Infinite && len(examples.Paths) == 0 {
		return nil, errors.Errorf("dataset %q: infinite dataset with no examples", name)
	}
	if config.DType == dtypes.InvalidDType {
		config.DType = dtypes.Float32
	}
	ds := &Dataset{
		name:      name,
		shortName: name,
		examples:  examples,
		config:    config,
		toTensor:  timage.ToTensor(config.DType).MaxValue(1.0),
		selection: make([]int, len(examples.Paths)),
	}
	if len(name) > 3 {
		ds.shortName = name[:3]
	}
	for ii := range ds.selection {
		ds.selection[ii] = ii
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.shortName }

// Len returns the number of examples in one epoch.
func (ds *Dataset) Len() int { return ds.examples.Len() }

// NumBatches returns the number of batches in one epoch.
func (ds *Dataset) NumBatches() int {
	return (ds.examples.Len() + ds.config.BatchSize - 1) / ds.config.BatchSize
}

// Reset implements train.Dataset. It restarts the epoch, reshuffling the examples if configured to.
func (ds *Dataset) Reset() {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()
	ds.lockedReset()
}

func (ds *Dataset) lockedReset() {
	ds.next = 0
	if ds.config.Shuffle != nil {
		ds.config.Shuffle.Shuffle(len(ds.selection), func(i, j int) {
			ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
		})
	}
}

// yieldIndices selects the examples of the next batch.
func (ds *Dataset) yieldIndices() ([]int, error) {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()
	if ds.next >= len(ds.selection) {
		if !ds.config.Infinite {
			return nil, io.EOF
		}
		ds.lockedReset()
	}
	end := min(ds.next+ds.config.BatchSize, len(ds.selection))
	indices := make([]int, end-ds.next)
	copy(indices, ds.selection[ds.next:end])
	ds.next = end
	return indices, nil
}

// YieldImages returns the next batch of resized images, their labels (nil if unlabeled) and their
// indices in the examples. It returns io.EOF at the end of the epoch.
func (ds *Dataset) YieldImages() (images []image.Image, labels []int, indices []int, err error) {
	indices, err = ds.yieldIndices()
	if err != nil {
		return
	}
	images = make([]image.Image, len(indices))
	if ds.examples.Labels != nil {
		labels = make([]int, len(indices))
	}
	for ii, exampleIdx := range indices {
		images[ii], err = LoadAndResize(ds.examples.Paths[exampleIdx], ds.config.ImageSize, ds.config.Filter)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", ds.name)
			return
		}
		if labels != nil {
			labels[ii] = ds.examples.Labels[exampleIdx]
		}
	}
	return
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, labelValues, _, err := ds.YieldImages()
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	if labelValues != nil {
		flat := make([]int64, len(labelValues))
		for ii, label := range labelValues {
			flat[ii] = int64(label)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, len(flat), 1)}
	}
	return
}
