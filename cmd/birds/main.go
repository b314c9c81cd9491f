// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// birds trains a CNN bird classifier from a directory with `train.csv`, `test.csv`, `train/` and `test/`,
// saves the model, and writes the predictions for the test images to a submission CSV.
//
// If -model already holds a model, training resumes from it and runs another "num_epochs" epochs on top
// of the ones already trained. Use -overwrite to train from scratch.
//
// Hyperparameters can be changed with -set, e.g.: -set="num_epochs=20;learning_rate=3e-4".
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/birds/pkg/birds"
	"github.com/gomlx/birds/pkg/birds/classifier"
	"github.com/gomlx/birds/pkg/manifest"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir  = flag.String("data", ".", "Directory with the dataset: train.csv, test.csv, train/ and test/.")
	flagTrainCSV = flag.String("train_csv", "", "Training manifest. Defaults to <data>/train.csv.")
	flagTestCSV  = flag.String("test_csv", "", "Test manifest. Defaults to <data>/test.csv.")
	flagTrainDir = flag.String("train_dir", "", "Directory with the training images. Defaults to <data>/train.")
	flagTestDir  = flag.String("test_dir", "", "Directory with the test images. Defaults to <data>/test.")

	flagFilenameCol = flag.String("filename_col", manifest.DefaultColumns.Filename,
		"Column of the manifests with the image file name.")
	flagLabelCol = flag.String("label_col", manifest.DefaultColumns.Label,
		"Column of the training manifest with the class.")

	flagModelDir   = flag.String("model", birds.DefaultModelDir, "Directory where the model is saved to and loaded from.")
	flagSubmission = flag.String("submission", birds.DefaultSubmission, "Path of the submission CSV to write.")

	flagTrain     = flag.Bool("train", true, "Train the model. If a model already exists in -model, training resumes from it for another num_epochs epochs, unless -overwrite is set.")
	flagPredict   = flag.Bool("predict", true, "Classify the test images with the saved model and write the submission.")
	flagOverwrite = flag.Bool("overwrite", false, "Remove any previous model in -model before training.")
	flagParallel  = flag.Bool("parallel", true, "Read training images in parallel.")
	flagProgress  = flag.Bool("progress", true, "Display progress bars.")
	flagInspect   = flag.Bool("inspect", false, "Print a summary of the saved model, its hyperparameters and variables.")
	flagColor     = flag.Bool("color", true, "Use colors in the terminal output.")
)

var (
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func main() {
	ctx := birds.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if !*flagColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	config := configFromFlags()
	if err := run(ctx, config, paramsSet); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		klog.V(1).Infof("%+v", err)
		os.Exit(1)
	}
}

// configFromFlags builds the birds.Config from the default layout under -data, overridden by the
// individual path flags.
func configFromFlags() *birds.Config {
	config := birds.NewConfig(*flagDataDir)
	for _, override := range []struct {
		flag  string
		value *string
	}{
		{*flagTrainCSV, &config.TrainCSV},
		{*flagTestCSV, &config.TestCSV},
		{*flagTrainDir, &config.TrainDir},
		{*flagTestDir, &config.TestDir},
	} {
		if override.flag != "" {
			*override.value = override.flag
		}
	}
	config.Columns = manifest.Columns{Filename: *flagFilenameCol, Label: *flagLabelCol}
	config.ModelDir = *flagModelDir
	config.SubmissionPath = *flagSubmission
	config.Overwrite = *flagOverwrite
	config.UseParallelism = *flagParallel
	config.ProgressBar = *flagProgress
	return config
}

func run(ctx *context.Context, config *birds.Config, paramsSet []string) error {
	if err := config.ReplaceTildes(); err != nil {
		return err
	}
	if !*flagTrain && !*flagPredict && !*flagInspect {
		klog.Warningf("nothing to do: -train, -predict and -inspect are all false")
		return nil
	}

	if *flagTrain {
		fmt.Println(stageStyle.Render("Training"))
		backend, err := backends.New()
		if err != nil {
			return err
		}
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		result, err := birds.TrainModel(ctx, backend, config, paramsSet)
		if err != nil {
			return err
		}
		fmt.Println(epochsTable(result.Epochs))
	}

	if *flagInspect {
		report, err := inspectModel(config.ModelDir)
		if err != nil {
			return err
		}
		fmt.Print(report)
	}

	if *flagPredict {
		fmt.Println(stageStyle.Render("Predicting"))
		c, err := classifier.New(config.ModelDir)
		if err != nil {
			return err
		}
		numImages, err := c.PredictManifest(config)
		if err != nil {
			return err
		}
		fmt.Printf("Classified %d test images, submission written to %q\n", numImages, config.SubmissionPath)
	}
	return nil
}

// epochsTable renders the metrics of each epoch.
func epochsTable(epochs []birds.EpochMetrics) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("epoch", "loss", "accuracy", "val_loss", "val_accuracy")
	for _, m := range epochs {
		table.Row(fmt.Sprint(m.Epoch), formatMetric(m.TrainLoss, false), formatMetric(m.TrainAccuracy, true),
			formatMetric(m.ValidationLoss, false), formatMetric(m.ValidationAccuracy, true))
	}
	return table.Render()
}

func formatMetric(value float64, isAccuracy bool) string {
	switch {
	case math.IsNaN(value):
		return "-"
	case isAccuracy:
		return fmt.Sprintf("%.2f%%", 100*value)
	default:
		return fmt.Sprintf("%.4f", value)
	}
}
