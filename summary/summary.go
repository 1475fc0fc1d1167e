/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package summary records scalar training metrics (loss, learning rate, loss
// scale, validation results) as JSON lines, one Point per line, so runs can
// be inspected and compared after the fact.
package summary

import (
	"encoding/json"
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"
)

// FileName is the default file name within a checkpoint directory to store
// metric points collected during training.
const FileName = "training_points.json"

// Point represents one scalar observation of a named metric at a training step.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name, used in progress lines.
	Short string

	// MetricType typically will be "loss", "lr", "scale" or "metric".
	// It's used to aggregate similar metrics when reporting.
	MetricType string

	// Step is the global step this metric was measured.
	// Usually, this is an int value, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64
}

// Writer appends points to a JSON-lines file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewWriter opens (appending) the points file at filePath.
func NewWriter(filePath string) (*Writer, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open summary file %q for append", filePath)
	}
	return &Writer{f: f, enc: json.NewEncoder(f), path: filePath}, nil
}

// NewWriterInDir opens the default points file under dir.
func NewWriterInDir(dir string) (*Writer, error) {
	return NewWriter(path.Join(dir, FileName))
}

// Write appends one point.
func (w *Writer) Write(point Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(point); err != nil {
		return errors.Wrapf(err, "failed to encode point %v to %q", point, w.path)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrapf(w.f.Close(), "failed to close summary file %q", w.path)
}

// LoadPoints loads all points from the given JSON-lines file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open summary file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var points []Point
	dec := json.NewDecoder(f)
	for {
		var point Point
		if err := dec.Decode(&point); err != nil {
			break
		}
		points = append(points, point)
	}
	return points, nil
}

// LoadPointsFromDir loads all points from the default file under dir.
func LoadPointsFromDir(dir string) ([]Point, error) {
	return LoadPoints(path.Join(dir, FileName))
}
