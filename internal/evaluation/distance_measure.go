// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/smoothap/internal/trainer"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// DistanceMeasureName is the name used to register a DistanceMeasure observer.
const DistanceMeasureName = "distance_measure"

// Distances of one measurement, see ClassDistances.
type Distances struct {
	Epoch int

	// Intra is the mean distance between embeddings of the same class, averaged over the classes.
	Intra float64

	// Inter is the mean distance between the centroids of the classes.
	Inter float64

	// Ratio is Intra / Inter: lower values mean tighter and better separated classes.
	Ratio float64
}

// ClassDistances measures how compact and separated the classes of the embeddings are.
// Classes with a single example don't contribute to Intra. It requires at least one class with
// two examples and two classes.
func ClassDistances(embeddings *mat.Dense, labels []int32) (Distances, error) {
	var d Distances
	rows, dim := embeddings.Dims()
	if rows != len(labels) {
		return d, errors.Errorf("%d embeddings for %d labels", rows, len(labels))
	}
	members := make(map[int32][]int)
	for ii, label := range labels {
		members[label] = append(members[label], ii)
	}
	classes := make([]int32, 0, len(members))
	for label := range members {
		classes = append(classes, label)
	}
	slices.Sort(classes)
	if len(classes) < 2 {
		return d, errors.Errorf("class distances need at least 2 classes, got %d", len(classes))
	}

	centroids := mat.NewDense(len(classes), dim, nil)
	var intraSum float64
	var intraCount int
	for ci, label := range classes {
		idx := members[label]
		centroid := centroids.RawRowView(ci)
		for _, ii := range idx {
			floats.Add(centroid, embeddings.RawRowView(ii))
		}
		floats.Scale(1/float64(len(idx)), centroid)
		if len(idx) < 2 {
			continue
		}
		var sum float64
		for a := range idx {
			for b := a + 1; b < len(idx); b++ {
				sum += floats.Distance(embeddings.RawRowView(idx[a]), embeddings.RawRowView(idx[b]), 2)
			}
		}
		intraSum += sum / float64(len(idx)*(len(idx)-1)/2)
		intraCount++
	}
	if intraCount == 0 {
		return d, errors.New("class distances need at least one class with 2 examples")
	}

	var interSum float64
	for a := range classes {
		for b := a + 1; b < len(classes); b++ {
			interSum += floats.Distance(centroids.RawRowView(a), centroids.RawRowView(b), 2)
		}
	}
	d.Intra = intraSum / float64(intraCount)
	d.Inter = interSum / float64(len(classes)*(len(classes)-1)/2)
	d.Ratio = d.Intra / d.Inter
	return d, nil
}

// DistanceMeasure is a trainer.Observer that, at the end of every epoch, embeds a dataset (usually
// the deterministic evaluation split of the training images) and appends its ClassDistances to a
// CSV file.
type DistanceMeasure struct {
	embedder *Embedder
	ds       train.Dataset
	path     string
	history  []Distances
}

var _ trainer.Observer = (*DistanceMeasure)(nil)

// NewDistanceMeasure creates a DistanceMeasure writing to path. Measurements already in path (from
// a previous run) are kept.
func NewDistanceMeasure(embedder *Embedder, ds train.Dataset, path string) (*DistanceMeasure, error) {
	m := &DistanceMeasure{embedder: embedder, ds: ds, path: path}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading %q", path)
	}
	epochs, err := df.Col("Epochs").Int()
	if err != nil {
		return nil, errors.Wrapf(err, "reading epochs of %q", path)
	}
	intra, inter, ratio := df.Col("Intra").Float(), df.Col("Inter").Float(), df.Col("Ratio").Float()
	for ii, epoch := range epochs {
		m.history = append(m.history, Distances{Epoch: epoch, Intra: intra[ii], Inter: inter[ii], Ratio: ratio[ii]})
	}
	return m, nil
}

// History returns the measurements so far.
func (m *DistanceMeasure) History() []Distances { return slices.Clone(m.history) }

// OnStep implements trainer.Observer.
func (m *DistanceMeasure) OnStep(*trainer.StepInfo) error { return nil }

// OnEpochEnd implements trainer.Observer.
func (m *DistanceMeasure) OnEpochEnd(summary *trainer.Summary) error {
	embeddings, labels, err := m.embedder.Embed(m.ds)
	if err != nil {
		return err
	}
	d, err := ClassDistances(embeddings, labels)
	if err != nil {
		return err
	}
	d.Epoch = summary.Epoch
	m.history = slices.DeleteFunc(m.history, func(old Distances) bool { return old.Epoch >= d.Epoch })
	m.history = append(m.history, d)
	klog.V(1).Infof("Epoch %d: intra/inter class distance ratio %.4f", d.Epoch, d.Ratio)
	return m.write()
}

func (m *DistanceMeasure) write() error {
	epochs := make([]int, len(m.history))
	intra := make([]float64, len(m.history))
	inter := make([]float64, len(m.history))
	ratio := make([]float64, len(m.history))
	for ii, d := range m.history {
		epochs[ii], intra[ii], inter[ii], ratio[ii] = d.Epoch, d.Intra, d.Inter, d.Ratio
	}
	df := dataframe.New(
		series.New(epochs, series.Int, "Epochs"),
		series.New(intra, series.Float, "Intra"),
		series.New(inter, series.Float, "Inter"),
		series.New(ratio, series.Float, "Ratio"),
	)
	f, err := os.Create(m.path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", m.path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", m.path)
	}
	return errors.Wrapf(f.Close(), "closing %q", m.path)
}
