// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runlog stores the outputs of a run in its directory: the per-epoch metrics of training
// and validation as CSV files, the hyperparameters, a plot of the metrics and the model checkpoints.
//
// Metric files are only appended to: a resumed run adds rows after the ones already logged.
package runlog

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split of the logged metrics.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
)

// HyperparametersFile is written in the run directory with the description of the run.
const HyperparametersFile = "hyperparameters.txt"

// EpochColumn is the name of the metric holding the epoch number, expected first in every split.
const EpochColumn = "Epochs"

// Logger appends metric records to "<dir>/<split>.csv".
type Logger struct {
	dir     string
	metrics map[Split][]string
	files   map[Split]*os.File
	writers map[Split]*csv.Writer
}

// New creates the run directory (if needed) and opens one CSV file per split with the given metric
// names as header. Existing files are appended to, if their header matches.
//
// The description is written to HyperparametersFile.
func New(dir string, metrics map[Split][]string, description string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %q", dir)
	}
	l := &Logger{
		dir:     dir,
		metrics: make(map[Split][]string, len(metrics)),
		files:   make(map[Split]*os.File, len(metrics)),
		writers: make(map[Split]*csv.Writer, len(metrics)),
	}
	for split, names := range metrics {
		if len(names) == 0 || names[0] != EpochColumn {
			return nil, errors.Errorf("metrics of split %q must start with %q, got %q", split, EpochColumn, names)
		}
		l.metrics[split] = slices.Clone(names)
		if err := l.open(split); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	path := filepath.Join(dir, HyperparametersFile)
	if err := os.WriteFile(path, []byte(description), 0o644); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "writing %q", path)
	}
	return l, nil
}

// open opens the file of the split for appending, writing the header if the file is new.
func (l *Logger) open(split Split) error {
	path := l.Path(split)
	header, err := readHeader(path)
	if err != nil {
		return err
	}
	if header != nil && !slices.Equal(header, l.metrics[split]) {
		return errors.Errorf("existing log %q has columns %q, but %q are logged now", path, header, l.metrics[split])
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %q", path)
	}
	l.files[split] = f
	l.writers[split] = csv.NewWriter(f)
	if header == nil {
		if err := l.write(split, l.metrics[split]); err != nil {
			return err
		}
	} else {
		klog.Infof("Appending to existing log %q", path)
	}
	return nil
}

// readHeader returns the first row of the CSV file, or nil if the file doesn't exist or is empty.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	header, err := csv.NewReader(f).Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", path)
	}
	return header, nil
}

func (l *Logger) write(split Split, row []string) error {
	w := l.writers[split]
	if err := w.Write(row); err != nil {
		return errors.Wrapf(err, "writing to %q", l.Path(split))
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "writing to %q", l.Path(split))
}

// Dir returns the run directory.
func (l *Logger) Dir() string { return l.dir }

// Path returns the CSV file of the split.
func (l *Logger) Path(split Split) string { return filepath.Join(l.dir, string(split)+".csv") }

// MetricNames returns the metrics logged for the split.
func (l *Logger) MetricNames(split Split) []string { return slices.Clone(l.metrics[split]) }

// Log appends one record to the split. The names must be the ones given to New, in the same order.
func (l *Logger) Log(split Split, names []string, values []float64) error {
	expected, found := l.metrics[split]
	if !found {
		return errors.Errorf("split %q is not logged", split)
	}
	if !slices.Equal(names, expected) {
		return errors.Errorf("logging metrics %q to split %q, which logs %q", names, split, expected)
	}
	if len(values) != len(names) {
		return errors.Errorf("logging %d values for %d metrics %q", len(values), len(names), names)
	}
	row := make([]string, len(values))
	for ii, v := range values {
		row[ii] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return l.write(split, row)
}

// Records reads back the records logged to the split. It returns false if there are none.
func (l *Logger) Records(split Split) (df dataframe.DataFrame, found bool, err error) {
	return readRecords(l.Path(split))
}

// LastEpoch returns the last epoch logged to the split, or false if nothing was logged.
func (l *Logger) LastEpoch(split Split) (int, bool, error) {
	return lastEpoch(l.Path(split))
}

// ReadLastEpoch returns the last epoch logged to the split of the run in dir, or false if nothing
// was logged. Unlike New, it creates and modifies nothing.
func ReadLastEpoch(dir string, split Split) (int, bool, error) {
	return lastEpoch(filepath.Join(dir, string(split)+".csv"))
}

func lastEpoch(path string) (int, bool, error) {
	df, found, err := readRecords(path)
	if err != nil || !found {
		return 0, false, err
	}
	epochs := df.Col(EpochColumn).Float()
	return int(slices.Max(epochs)), true, nil
}

// readRecords parses the CSV file at path. It returns false if the file doesn't exist or holds no
// records.
func readRecords(path string) (df dataframe.DataFrame, found bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return df, false, nil
	}
	if err != nil {
		return df, false, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return df, false, errors.Wrapf(err, "reading %q", path)
	}
	if len(records) < 2 {
		return df, false, nil
	}
	df = dataframe.LoadRecords(records, dataframe.DetectTypes(false), dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return df, false, errors.Wrapf(df.Err, "parsing %q", path)
	}
	return df, true, nil
}

// Best returns the epoch and value of the highest metric logged to the split, or false if nothing was
// logged. The first epoch wins ties.
func (l *Logger) Best(split Split, metric string) (epoch int, value float64, found bool, err error) {
	if !slices.Contains(l.metrics[split], metric) {
		return 0, 0, false, errors.Errorf("metric %q is not logged in split %q", metric, split)
	}
	df, found, err := l.Records(split)
	if err != nil || !found {
		return 0, 0, false, err
	}
	values := df.Col(metric).Float()
	epochs := df.Col(EpochColumn).Float()
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return int(epochs[best]), values[best], true, nil
}

// Close flushes and closes the metric files.
func (l *Logger) Close() error {
	var firstErr error
	for split, f := range l.files {
		l.writers[split].Flush()
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing %q", l.Path(split))
		}
	}
	clear(l.files)
	return firstErr
}
