// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// GradientMeasureName is the name used to register a GradientMeasure observer.
const GradientMeasureName = "gradient_measure"

// GradientMeasure records the L2 norm of the gradients under a scope at every step, and dumps them
// to "<dir>/<name>_epoch_<epoch>.csv" at the end of every epoch.
type GradientMeasure struct {
	name, scope, dir string
	steps            []int
	norms            []float64
}

var _ GradientObserver = (*GradientMeasure)(nil)

// NewGradientMeasure creates the directory dir and returns a GradientMeasure of the gradients of
// the variables under scope.
func NewGradientMeasure(name, scope, dir string) (*GradientMeasure, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating gradients directory %q", dir)
	}
	return &GradientMeasure{name: name, scope: scope, dir: dir}, nil
}

// GradientScopes implements GradientObserver.
func (m *GradientMeasure) GradientScopes() []string { return []string{m.scope} }

// OnStep implements Observer.
func (m *GradientMeasure) OnStep(info *StepInfo) error {
	norm, found := info.GradientNorms[m.scope]
	if !found {
		return errors.Errorf("gradient norm of scope %q not computed", m.scope)
	}
	m.steps = append(m.steps, info.Step)
	m.norms = append(m.norms, norm)
	return nil
}

// Path returns the file where the gradients of the epoch are dumped.
func (m *GradientMeasure) Path(epoch int) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_epoch_%03d.csv", m.name, epoch))
}

// OnEpochEnd implements Observer.
func (m *GradientMeasure) OnEpochEnd(summary *Summary) error {
	if len(m.norms) == 0 {
		return nil
	}
	df := dataframe.New(
		series.New(m.steps, series.Int, "Step"),
		series.New(m.norms, series.Float, "GradientNorm"),
	)
	path := m.Path(summary.Epoch)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", path)
	}
	klog.V(1).Infof("Epoch %d: mean gradient norm of %q is %g", summary.Epoch, m.scope, stat.Mean(m.norms, nil))
	m.steps, m.norms = m.steps[:0], m.norms[:0]
	return nil
}
