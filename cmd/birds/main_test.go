// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/birds/pkg/birds"
	"github.com/gomlx/birds/pkg/birds/birdstest"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var (
	flagSettings *string
	muDemo       sync.Mutex
)

func init() {
	klog.InitFlags(nil)
	ctx := birds.CreateDefaultContext()
	flagSettings = commandline.CreateContextSettingsFlag(ctx, "")
	birdstest.UseGoBackend()
}

func TestConfigFromFlags(t *testing.T) {
	muDemo.Lock()
	defer muDemo.Unlock()
	*flagDataDir = "/data/birds"
	*flagTestCSV = "/other/test.csv"
	*flagLabelCol = "species"
	defer func() {
		*flagDataDir, *flagTestCSV, *flagLabelCol = ".", "", "target"
	}()

	config := configFromFlags()
	assert.Equal(t, filepath.Join("/data/birds", "train.csv"), config.TrainCSV)
	assert.Equal(t, "/other/test.csv", config.TestCSV)
	assert.Equal(t, filepath.Join("/data/birds", "train"), config.TrainDir)
	assert.Equal(t, "img_id", config.Columns.Filename)
	assert.Equal(t, "species", config.Columns.Label)
	assert.Equal(t, birds.DefaultModelDir, config.ModelDir)
}

func TestEpochsTable(t *testing.T) {
	table := epochsTable([]birds.EpochMetrics{
		{Epoch: 1, TrainLoss: 1.25, TrainAccuracy: 0.5, ValidationLoss: math.NaN(), ValidationAccuracy: math.NaN()},
	})
	assert.Contains(t, table, "val_accuracy")
	assert.Contains(t, table, "1.2500")
	assert.Contains(t, table, "50.00%")
	assert.Equal(t, "-", formatMetric(math.NaN(), true))
}

// TestDemo trains the model for 1 epoch on a tiny synthetic dataset and writes the submission.
//
// It is disabled for short tests.
func TestDemo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	// Run at most one demo training at a time:
	muDemo.Lock()
	defer muDemo.Unlock()

	dataDir := t.TempDir()
	data := birdstest.WriteDataset(t, dataDir, birdstest.Options{
		NumTrain: 10, NumMissing: 1, NumTest: 3, NumClasses: 2, Width: 16, Height: 16})
	config := birds.NewConfig(dataDir)
	config.ModelDir = filepath.Join(dataDir, "model")
	config.SubmissionPath = filepath.Join(dataDir, "submission.csv")
	config.ProgressBar = false

	ctx := birds.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		birds.ParamNumEpochs: 1,
		birds.ParamImageSize: 12,
		birds.ParamBatchSize: 4,
	})
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *flagSettings))
	require.NoError(t, run(ctx, config, paramsSet))

	contents, err := os.ReadFile(config.SubmissionPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, len(data.TestFiles)+1)
	assert.Equal(t, "filename,target", lines[0])

	report, err := inspectModel(config.ModelDir)
	require.NoError(t, err)
	assert.Contains(t, report, "global_step")
	assert.Contains(t, report, birds.ParamNumClasses)
	assert.Contains(t, report, "000_conv")
}
