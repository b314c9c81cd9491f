// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package birdstest creates small synthetic bird datasets for tests.
package birdstest

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/stretchr/testify/require"
)

// Options of the synthetic dataset.
type Options struct {
	// NumTrain images listed in train.csv and written to train/.
	NumTrain int

	// NumMissing rows added to train.csv whose image files are not written.
	NumMissing int

	// NumTest images listed in test.csv and written to test/.
	NumTest int

	// NumClasses of the training labels. Class i is a mostly solid color image, so it is easy to learn.
	NumClasses int

	// Width and Height of the images written.
	Width, Height int
}

// Palette of the colors used for each class, in order.
var Palette = []color.RGBA{
	{R: 230, G: 20, B: 20, A: 255},
	{R: 20, G: 230, B: 20, A: 255},
	{R: 20, G: 20, B: 230, A: 255},
	{R: 230, G: 230, B: 20, A: 255},
	{R: 20, G: 230, B: 230, A: 255},
}

// ClassColor returns the color of the images of the given class. Colors repeat after len(Palette) classes.
func ClassColor(label int) color.RGBA {
	return Palette[label%len(Palette)]
}

// Dataset describes what WriteDataset wrote.
type Dataset struct {
	Dir string

	// TrainFiles and TrainLabels of the rows of train.csv with existing images.
	TrainFiles  []string
	TrainLabels []int

	// MissingFiles listed in train.csv, but not written.
	MissingFiles []string

	// TestFiles and the TestLabels used to generate their images.
	TestFiles  []string
	TestLabels []int
}

// UseGoBackend sets GOMLX_BACKEND to the pure Go backend, if it is not set already.
// It avoids using accelerators in tests, unless explicitly requested.
func UseGoBackend() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		_ = os.Setenv(backends.ConfigEnvVar, "go")
	}
}

// WriteImage writes a PNG of the given size filled with c, with a small gradient so images are not all equal.
func WriteImage(t testing.TB, path string, width, height int, c color.RGBA) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			shade := uint8((x + y) % 16)
			img.Set(x, y, color.RGBA{R: c.R - shade, G: c.G - shade, B: c.B - shade, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// WriteDataset creates `train.csv`, `test.csv`, `train/` and `test/` under dataDir.
// Training labels cycle over the classes.
func WriteDataset(t testing.TB, dataDir string, opts Options) *Dataset {
	require.Positive(t, opts.NumClasses)
	ds := &Dataset{Dir: dataDir}
	trainDir, testDir := filepath.Join(dataDir, "train"), filepath.Join(dataDir, "test")
	require.NoError(t, os.MkdirAll(trainDir, 0o755))
	require.NoError(t, os.MkdirAll(testDir, 0o755))

	var trainCSV strings.Builder
	trainCSV.WriteString("img_id,target\n")
	for ii := range opts.NumTrain + opts.NumMissing {
		name := fmt.Sprintf("bird_%04d.png", ii)
		label := ii % opts.NumClasses
		fmt.Fprintf(&trainCSV, "%s,%d\n", name, label)
		if ii >= opts.NumTrain {
			ds.MissingFiles = append(ds.MissingFiles, name)
			continue
		}
		WriteImage(t, filepath.Join(trainDir, name), opts.Width, opts.Height, ClassColor(label))
		ds.TrainFiles = append(ds.TrainFiles, name)
		ds.TrainLabels = append(ds.TrainLabels, label)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "train.csv"), []byte(trainCSV.String()), 0o644))

	var testCSV strings.Builder
	testCSV.WriteString("img_id\n")
	for ii := range opts.NumTest {
		name := fmt.Sprintf("test_%04d.png", ii)
		label := (ii * 7) % opts.NumClasses
		fmt.Fprintf(&testCSV, "%s\n", name)
		WriteImage(t, filepath.Join(testDir, name), opts.Width, opts.Height, ClassColor(label))
		ds.TestFiles = append(ds.TestFiles, name)
		ds.TestLabels = append(ds.TestLabels, label)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "test.csv"), []byte(testCSV.String()), 0o644))
	return ds
}
