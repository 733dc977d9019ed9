// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotFile is the image with the metrics of the run, written in the run directory by Logger.Plot.
const PlotFile = "metrics.png"

// TimeColumn is the wall time of the epoch; it is not plotted.
const TimeColumn = "Time"

// Plot draws the metrics of every split against the epochs, one panel per split, to PlotFile.
// Splits with no records are skipped, and nothing is written if no split has records.
func (l *Logger) Plot() error {
	var panels []*plot.Plot
	for _, split := range []Split{Train, Val} {
		if _, found := l.metrics[split]; !found {
			continue
		}
		p, err := l.plotSplit(split)
		if err != nil {
			return err
		}
		if p != nil {
			panels = append(panels, p)
		}
	}
	if len(panels) == 0 {
		return nil
	}

	const panelWidth, height = 6 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(panelWidth*vg.Length(len(panels)), height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: 1,
		Cols: len(panels),
		PadX: vg.Millimeter * 4,
		PadY: vg.Millimeter * 2,
	}
	canvases := plot.Align([][]*plot.Plot{panels}, tiles, dc)
	for ii, p := range panels {
		p.Draw(canvases[0][ii])
	}

	path := filepath.Join(l.dir, PlotFile)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// plotSplit returns the panel of the split, or nil if it has no records.
func (l *Logger) plotSplit(split Split) (*plot.Plot, error) {
	df, found, err := l.Records(split)
	if err != nil || !found {
		return nil, err
	}
	epochs := df.Col(EpochColumn).Float()
	p := plot.New()
	p.Title.Text = string(split)
	p.X.Label.Text = EpochColumn
	p.Legend.Top = true

	var lines []any
	for _, name := range l.metrics[split] {
		if name == EpochColumn || name == TimeColumn {
			continue
		}
		values := df.Col(name).Float()
		points := make(plotter.XYs, len(values))
		for ii, v := range values {
			points[ii].X, points[ii].Y = epochs[ii], v
		}
		slices.SortFunc(points, func(a, b plotter.XY) int {
			switch {
			case a.X < b.X:
				return -1
			case a.X > b.X:
				return 1
			}
			return 0
		})
		lines = append(lines, name, points)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, errors.Wrapf(err, "plotting %q", split)
	}
	return p, nil
}
