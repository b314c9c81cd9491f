// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package manifest loads the CSV manifests that map image files to labels, and writes
// the submission CSV with the predicted labels.
//
// Manifests are read into a gota DataFrame, and the source columns are renamed to the
// canonical FilenameCol and ClassCol.
package manifest

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// FilenameCol is the canonical name of the column with the image file name.
	FilenameCol = "filename"

	// ClassCol is the canonical name of the column with the class label.
	ClassCol = "class"

	// SubmissionLabelCol is the name of the predicted label column in the submission file.
	SubmissionLabelCol = "target"
)

// Columns names the columns of the source CSV files.
type Columns struct {
	// Filename column, relative to the images directory.
	Filename string

	// Label column, only used for training manifests.
	Label string
}

// DefaultColumns used by the birds dataset.
var DefaultColumns = Columns{Filename: "img_id", Label: "target"}

// Manifest is a list of image files, optionally with their labels.
type Manifest struct {
	// ImagesDir where the files listed in the manifest are stored.
	ImagesDir string

	df        dataframe.DataFrame
	hasLabels bool
}

// LoadTrain reads a training manifest: the CSV must have the filename and label columns.
func LoadTrain(csvPath, imagesDir string, cols Columns) (*Manifest, error) {
	return load(csvPath, imagesDir, cols, true)
}

// LoadTest reads a test manifest: only the filename column is used.
func LoadTest(csvPath, imagesDir string, cols Columns) (*Manifest, error) {
	return load(csvPath, imagesDir, cols, false)
}

func load(csvPath, imagesDir string, cols Columns, withLabels bool) (*Manifest, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", csvPath)
	}
	defer func() { _ = f.Close() }()
	m, err := Read(f, imagesDir, cols, withLabels)
	if err != nil {
		return nil, errors.WithMessagef(err, "manifest %q", csvPath)
	}
	return m, nil
}

// Read parses a manifest from r. If withLabels is true, the label column is required.
func Read(r io.Reader, imagesDir string, cols Columns, withLabels bool) (*Manifest, error) {
	// Labels are read as strings: they are converted to class indices in Manifest.Labels.
	types := map[string]series.Type{cols.Filename: series.String}
	if withLabels {
		types[cols.Label] = series.String
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CSV")
	}
	df := dataframe.ReadCSV(bytes.NewReader(data), dataframe.HasHeader(true), dataframe.WithTypes(types))
	if df.Err != nil {
		// gota refuses a CSV without rows: a header-only manifest is an empty one.
		header, ok := headerOnly(data)
		if !ok {
			return nil, errors.Wrap(df.Err, "failed to parse CSV")
		}
		df = emptyFrame(header)
	}

	wanted := []string{cols.Filename}
	if withLabels {
		wanted = append(wanted, cols.Label)
	}
	names := df.Names()
	for _, col := range wanted {
		if !slices.Contains(names, col) {
			return nil, errors.Errorf("column %q not found, columns available: %q", col, names)
		}
	}
	df = df.Select(wanted)
	df = df.Rename(FilenameCol, cols.Filename)
	if withLabels {
		df = df.Rename(ClassCol, cols.Label)
	}
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to rename manifest columns")
	}
	return &Manifest{ImagesDir: imagesDir, df: df, hasLabels: withLabels}, nil
}

// Len returns the number of rows in the manifest.
func (m *Manifest) Len() int { return m.df.Nrow() }

// HasLabels returns whether the manifest was loaded with labels.
func (m *Manifest) HasLabels() bool { return m.hasLabels }

// DataFrame returns the underlying DataFrame, with the canonical column names.
func (m *Manifest) DataFrame() dataframe.DataFrame { return m.df }

// Filenames as listed in the manifest.
func (m *Manifest) Filenames() []string {
	if m.Len() == 0 {
		return nil
	}
	return m.df.Col(FilenameCol).Records()
}

// Paths returns the full path of each image: ImagesDir joined with the filename.
func (m *Manifest) Paths() []string {
	filenames := m.Filenames()
	paths := make([]string, len(filenames))
	for ii, name := range filenames {
		paths[ii] = filepath.Join(m.ImagesDir, name)
	}
	return paths
}

// FilterExisting returns a new Manifest with only the rows whose image file exists.
// It also returns the number of rows dropped.
func (m *Manifest) FilterExisting() (filtered *Manifest, dropped int) {
	paths := m.Paths()
	keep := make([]int, 0, len(paths))
	for ii, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			klog.V(2).Infof("manifest: image %q not found, dropping row %d", p, ii)
			continue
		}
		keep = append(keep, ii)
	}
	dropped = len(paths) - len(keep)
	filtered = &Manifest{ImagesDir: m.ImagesDir, hasLabels: m.hasLabels}
	if len(keep) == 0 {
		filtered.df = m.empty()
	} else {
		filtered.df = m.df.Subset(keep)
	}
	return
}

// empty returns a DataFrame with the same columns as m, but no rows.
func (m *Manifest) empty() dataframe.DataFrame {
	return emptyFrame(m.df.Names())
}

// emptyFrame returns a DataFrame with the given string columns and no rows.
func emptyFrame(names []string) dataframe.DataFrame {
	cols := make([]series.Series, 0, len(names))
	for _, name := range names {
		cols = append(cols, series.New([]string{}, series.String, name))
	}
	return dataframe.New(cols...)
}

// headerOnly returns the column names of a CSV that has a header but no rows.
func headerOnly(data []byte) (names []string, ok bool) {
	raw := dataframe.ReadCSV(bytes.NewReader(data), dataframe.HasHeader(false),
		dataframe.DetectTypes(false), dataframe.DefaultType(series.String))
	if raw.Err != nil || raw.Nrow() != 1 {
		return nil, false
	}
	// Records()[0] holds the generated column names, Records()[1] the header line.
	return raw.Records()[1], true
}

// Labels holds the class index of each row of a training manifest.
type Labels struct {
	// Indices of the class of each row, from 0 to NumClasses-1.
	Indices []int

	// NumClasses is the number of distinct labels. It is widened if raw integer labels
	// go beyond the number of distinct values, so every label is a valid class index.
	NumClasses int

	// Names of the classes, indexed by class index. Only set if the labels are not integers,
	// in which case they are mapped to indices in sorted order.
	Names []string
}

// Labels converts the class column to class indices.
//
// Integer labels are used as is (they must be non-negative), also when written with a zero
// fractional part, like "2.0". Any other labels are mapped
// to the index of the label in the sorted list of distinct labels.
func (m *Manifest) Labels() (*Labels, error) {
	if !m.hasLabels {
		return nil, errors.New("manifest has no labels")
	}
	if m.Len() == 0 {
		return &Labels{}, nil
	}
	records := m.df.Col(ClassCol).Records()
	distinct := make(map[string]bool, 16)
	for _, r := range records {
		distinct[r] = true
	}
	labels := &Labels{
		Indices:    make([]int, len(records)),
		NumClasses: len(distinct),
	}

	// Raw integer labels, possibly written as floats ("2.0").
	maxLabel := -1
	isInt := true
	distinctInts := make(map[int]bool, len(distinct))
	for ii, r := range records {
		value, ok := integralLabel(r)
		if !ok {
			isInt = false
			break
		}
		if value < 0 {
			return nil, errors.Errorf("row %d: negative label %d", ii, value)
		}
		labels.Indices[ii] = value
		distinctInts[value] = true
		maxLabel = max(maxLabel, value)
	}
	if isInt {
		labels.NumClasses = len(distinctInts)
		if maxLabel >= labels.NumClasses {
			klog.Warningf("manifest: %d distinct labels but largest label is %d, using %d classes",
				labels.NumClasses, maxLabel, maxLabel+1)
			labels.NumClasses = maxLabel + 1
		}
		return labels, nil
	}

	// Categorical names.
	labels.Names = make([]string, 0, len(distinct))
	for name := range distinct {
		labels.Names = append(labels.Names, name)
	}
	slices.Sort(labels.Names)
	nameToIdx := make(map[string]int, len(labels.Names))
	for idx, name := range labels.Names {
		nameToIdx[name] = idx
	}
	for ii, r := range records {
		labels.Indices[ii] = nameToIdx[r]
	}
	return labels, nil
}

// WriteSubmission writes the CSV with the header "filename,target" and one row per prediction.
func WriteSubmission(w io.Writer, filenames []string, predictions []int) error {
	if len(filenames) != len(predictions) {
		return errors.Errorf("%d filenames but %d predictions", len(filenames), len(predictions))
	}
	if len(filenames) == 0 {
		filenames, predictions = []string{}, []int{}
	}
	df := dataframe.New(
		series.New(filenames, series.String, FilenameCol),
		series.New(predictions, series.Int, SubmissionLabelCol),
	)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build submission")
	}
	return errors.Wrap(df.WriteCSV(w), "failed to write submission")
}

// WriteSubmissionFile creates (or truncates) the file at path and writes the submission to it.
func WriteSubmissionFile(path string, filenames []string, predictions []int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create submission file %q", path)
	}
	if err = WriteSubmission(f, filenames, predictions); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "submission file %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close submission file %q", path)
}

// integralLabel parses r as a number with no fractional part.
func integralLabel(r string) (int, bool) {
	if value, err := strconv.Atoi(r); err == nil {
		return value, true
	}
	f, err := strconv.ParseFloat(r, 64)
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<31 {
		return 0, false
	}
	return int(f), true
}
