// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the training losses as JSON lines, and renders them as a PNG plot.
package plots

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// PointsFileName is the file, in the output directory, where points are appended.
	PointsFileName = "loss_points.json"

	// PlotFileName is the file, in the output directory, where the plot is rendered.
	PlotFileName = "losses.png"
)

// Point of a loss curve.
type Point struct {
	// Name of the series, e.g. "style".
	Name string

	// Step is the training step the value was measured at.
	Step int64

	// Value measured.
	Value float64
}

// Recorder appends points to a file in a background goroutine.
type Recorder struct {
	path      string
	points    chan Point
	errReport chan error
}

// NewRecorder creates a Recorder appending to the file PointsFileName in dir.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %q", dir)
	}
	path := filepath.Join(dir, PointsFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open plot points file %q for append", path)
	}
	r := &Recorder{
		path:      path,
		points:    make(chan Point, 100),
		errReport: make(chan error, 1),
	}
	go func() {
		enc := json.NewEncoder(f)
		var err error
		for point := range r.points {
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v to %q", point, path)
				klog.Errorf("Error: %v", err)
			}
		}
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
		r.errReport <- err
	}()
	return r, nil
}

// Path of the points file.
func (r *Recorder) Path() string { return r.path }

// Add points to be written. Non-finite values are dropped.
func (r *Recorder) Add(points ...Point) {
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		r.points <- p
	}
}

// Close waits for all points to be written, and returns the first error that occurred, if any.
func (r *Recorder) Close() error {
	close(r.points)
	return <-r.errReport
}

// LoadPoints reads all points in the file.
func LoadPoints(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", path)
		}
		points = append(points, point)
	}
	return points, nil
}

// Render draws one line per series of points, in step order, into a PNG file.
func Render(points []Point, path string) error {
	series := make(map[string]plotter.XYs)
	for _, p := range points {
		series[p.Name] = append(series[p.Name], plotter.XY{X: float64(p.Step), Y: p.Value})
	}
	if len(series) == 0 {
		return errors.New("no points to plot")
	}
	p := plot.New()
	p.Title.Text = "Training losses"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	var lines []any
	names := maps.Keys(series)
	slices.Sort(names)
	for _, name := range names {
		xys := series[name]
		slices.SortStableFunc(xys, func(a, b plotter.XY) int {
			switch {
			case a.X < b.X:
				return -1
			case a.X > b.X:
				return 1
			}
			return 0
		})
		lines = append(lines, name, xys)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return errors.Wrap(err, "failed to add loss lines to plot")
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}

// RenderFile loads the points file and renders the plot.
func RenderFile(pointsPath, plotPath string) error {
	points, err := LoadPoints(pointsPath)
	if err != nil {
		return err
	}
	return Render(points, plotPath)
}
