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

package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

// Loss-scale types recognized by NewLossScaler.
const (
	LossScaleFixed   = "fixed"
	LossScaleDynamic = "dynamic"
)

const (
	// DefaultScaleWindow is how many consecutive overflow-free steps the
	// dynamic scaler waits before doubling the scale.
	DefaultScaleWindow = 2000

	// maxLossScale caps the dynamic scale growth.
	maxLossScale = 1 << 24
)

// LossScaler manages the loss-scale value used under mixed precision: the
// loss is multiplied by Scale() before backpropagation, and the gradients
// divided by it before the update.
//
// The fixed scaler never changes its value. The dynamic scaler halves it on
// every detected overflow and doubles it after a window of clean steps, so a
// run recovers from a scale that is too large without manual tuning.
type LossScaler struct {
	dynamic     bool
	scale       float64
	scaleWindow int
	goodSteps   int
}

// NewLossScaler creates a scaler of the given type (LossScaleFixed or
// LossScaleDynamic) starting at initialScale. initialScale must be >= 1.
func NewLossScaler(scaleType string, initialScale float64) (*LossScaler, error) {
	if initialScale < 1 {
		return nil, errors.Errorf("loss scale must be >= 1, got %g", initialScale)
	}
	switch scaleType {
	case LossScaleFixed:
		return &LossScaler{scale: initialScale, scaleWindow: DefaultScaleWindow}, nil
	case LossScaleDynamic:
		return &LossScaler{dynamic: true, scale: initialScale, scaleWindow: DefaultScaleWindow}, nil
	}
	return nil, errors.Errorf("unknown loss scale type %q, valid values are %q and %q",
		scaleType, LossScaleFixed, LossScaleDynamic)
}

// ScaleWindow overrides the number of clean steps before the dynamic scale
// grows.
func (s *LossScaler) ScaleWindow(window int) *LossScaler {
	if window > 0 {
		s.scaleWindow = window
	}
	return s
}

// Scale returns the current loss-scale value.
func (s *LossScaler) Scale() float64 { return s.scale }

// IsDynamic reports whether the scale adjusts itself on overflow.
func (s *LossScaler) IsDynamic() bool { return s.dynamic }

// Update adjusts the scale after a completed accumulation: overflowed steps
// back the scale off, clean steps count toward growth. No-op for a fixed
// scaler.
func (s *LossScaler) Update(overflowed bool) {
	if !s.dynamic {
		return
	}
	if overflowed {
		s.scale = math.Max(s.scale/2, 1)
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.scaleWindow {
		s.goodSteps = 0
		if s.scale*2 <= maxLossScale {
			s.scale *= 2
		}
	}
}

// SetScale restores a persisted scale value, used at resumption.
func (s *LossScaler) SetScale(scale float64) {
	if scale >= 1 {
		s.scale = scale
	}
}
