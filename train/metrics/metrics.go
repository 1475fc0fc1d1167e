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

// Package metrics holds the scalar metric accumulators the training loop
// reports on: running means over a window of steps.
package metrics

// Interface is the common API for metric accumulators used during training.
type Interface interface {
	// Name of the metric, used in logs and summaries.
	Name() string

	// ShortName is a shorter version of the name, used in progress lines.
	ShortName() string

	// Update accumulates one observation, with the given weight (typically
	// the batch size).
	Update(value float64, weight float64)

	// Value returns the current aggregated metric value.
	Value() float64

	// Reset clears the accumulator, typically at the start of a window or
	// epoch.
	Reset()
}

// Mean accumulates a weighted running mean. The zero value is not usable,
// create it with NewMean.
type Mean struct {
	name, shortName string
	sum, weight     float64
}

// NewMean creates a weighted mean accumulator with the given names.
func NewMean(name, shortName string) *Mean {
	return &Mean{name: name, shortName: shortName}
}

// Name implements Interface.
func (m *Mean) Name() string { return m.name }

// ShortName implements Interface.
func (m *Mean) ShortName() string { return m.shortName }

// Update implements Interface.
func (m *Mean) Update(value float64, weight float64) {
	m.sum += value * weight
	m.weight += weight
}

// Value implements Interface. It returns 0 before any update.
func (m *Mean) Value() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / m.weight
}

// Reset implements Interface.
func (m *Mean) Reset() {
	m.sum = 0
	m.weight = 0
}

// NewMeanLoss creates the standard training loss accumulator.
func NewMeanLoss() *Mean {
	return NewMean("Mean Training Loss", "loss")
}
