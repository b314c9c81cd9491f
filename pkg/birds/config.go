// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package birds trains a CNN image classifier over a labeled bird-photo dataset.
//
// The dataset is described by two CSV manifests: `train.csv` maps image files (in the `train/`
// sub-directory) to their class, and `test.csv` lists the images (in `test/`) to classify.
// TrainModel trains the model and saves it as a checkpoint, and the classifier sub-package
// reloads it to generate the predictions for the test manifest.
package birds

import (
	"path/filepath"

	"github.com/gomlx/birds/pkg/manifest"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	TrainSubDir       = "train"
	TestSubDir        = "test"
	TrainCSVFile      = "train.csv"
	TestCSVFile       = "test.csv"
	DefaultModelDir   = "bird_model"
	DefaultSubmission = "submission.csv"
)

// Config holds the location of the data and the outputs of the pipeline.
// Model hyperparameters are kept in the context instead, see CreateDefaultContext.
type Config struct {
	// DataDir is the base directory of the dataset.
	DataDir string

	// TrainDir and TestDir hold the images listed in the manifests.
	TrainDir, TestDir string

	// TrainCSV and TestCSV are the manifests.
	TrainCSV, TestCSV string

	// Columns of the manifests.
	Columns manifest.Columns

	// ModelDir where the model checkpoint is saved to and loaded from.
	ModelDir string

	// SubmissionPath where the predictions are written.
	SubmissionPath string

	// Overwrite removes any previous model in ModelDir before training.
	// If false, training resumes from the checkpoint in ModelDir, if there is one.
	Overwrite bool

	// UseParallelism reads the training images with a parallel dataset.
	UseParallelism bool

	// BufferSize of the parallel dataset, in number of batches.
	BufferSize int

	// ProgressBar attaches a progress bar to the training loop and prediction.
	ProgressBar bool
}

// NewConfig returns a Config with the default layout under dataDir: `train/`, `test/`,
// `train.csv` and `test.csv`.
// The model and the submission are written relative to the current directory.
func NewConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		TrainDir:       filepath.Join(dataDir, TrainSubDir),
		TestDir:        filepath.Join(dataDir, TestSubDir),
		TrainCSV:       filepath.Join(dataDir, TrainCSVFile),
		TestCSV:        filepath.Join(dataDir, TestCSVFile),
		Columns:        manifest.DefaultColumns,
		ModelDir:       DefaultModelDir,
		SubmissionPath: DefaultSubmission,
		UseParallelism: true,
		BufferSize:     16,
		ProgressBar:    true,
	}
}

// ReplaceTildes expands a leading "~" in all paths of the configuration.
func (c *Config) ReplaceTildes() error {
	for _, p := range []*string{&c.DataDir, &c.TrainDir, &c.TestDir, &c.TrainCSV, &c.TestCSV, &c.ModelDir, &c.SubmissionPath} {
		if *p == "" {
			continue
		}
		expanded, err := fsutil.ReplaceTildeInDir(*p)
		if err != nil {
			return errors.WithMessagef(err, "expanding path %q", *p)
		}
		*p = expanded
	}
	return nil
}
