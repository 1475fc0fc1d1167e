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

// Package optimizers implements the gradient-update side of the training
// orchestration: value-level optimizers (SGD, Adam, AdamW), overflow-aware
// loss scaling, and the resumable Updater that owns the global-step counter.
package optimizers

import (
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Interface implemented by the value-level optimizers. Parameters and
// gradients are parallel slices-of-slices: one flat float64 vector per model
// parameter tensor.
type Interface interface {
	// ApplyUpdate applies one gradient update in place to params, using the
	// given learning rate. params and grads must be parallel and
	// shape-consistent across calls: moment buffers are allocated lazily on
	// the first call.
	ApplyUpdate(params, grads [][]float64, learningRate float64) error

	// Clear deletes the moment buffers, resetting the optimizer.
	Clear()

	// StateBuffers exposes the internal moment buffers, keyed by name, for
	// checkpoint persistence. The returned slices alias the live buffers.
	StateBuffers() map[string][][]float64

	// LoadStateBuffers restores moment buffers previously returned by
	// StateBuffers. Mismatched names or shapes are an error: it means the
	// checkpoint was taken with a different optimizer or model.
	LoadStateBuffers(buffers map[string][][]float64) error
}

// KnownOptimizers maps optimizer names to their default constructors.
var KnownOptimizers = map[string]func() Interface{
	"sgd":      func() Interface { return SGD().Done() },
	"momentum": func() Interface { return SGD().Momentum(0.9).Done() },
	"adam":     func() Interface { return Adam().Done() },
	"adamw":    func() Interface { return Adam().WeightDecay(0.004).Done() },
}

// ByName returns an optimizer given its name. It panics on unknown names:
// use KnownOptimizers directly to handle invalid values gracefully.
func ByName(name string) Interface {
	builder, found := KnownOptimizers[name]
	if !found {
		Panicf("unknown optimizer %q, valid values are %v", name, maps.Keys(KnownOptimizers))
	}
	return builder()
}

// checkParallel validates that params and grads have matching shapes.
func checkParallel(params, grads [][]float64) error {
	if len(params) != len(grads) {
		return errors.Errorf("got %d parameter tensors but %d gradient tensors", len(params), len(grads))
	}
	for ii := range params {
		if len(params[ii]) != len(grads[ii]) {
			return errors.Errorf("parameter tensor #%d has %d values but its gradient has %d",
				ii, len(params[ii]), len(grads[ii]))
		}
	}
	return nil
}

// buffersLike allocates zeroed buffers with the shapes of params.
func buffersLike(params [][]float64) [][]float64 {
	buffers := make([][]float64, len(params))
	for ii, p := range params {
		buffers[ii] = make([]float64, len(p))
	}
	return buffers
}

// loadBuffer copies src into dst checking shapes, for LoadStateBuffers.
func loadBuffer(name string, dst, src [][]float64) error {
	if len(dst) != len(src) {
		return errors.Errorf("optimizer state %q has %d tensors, checkpoint has %d -- was it taken with a different model?",
			name, len(dst), len(src))
	}
	for ii := range dst {
		if len(dst[ii]) != len(src[ii]) {
			return errors.Errorf("optimizer state %q tensor #%d has %d values, checkpoint has %d",
				name, ii, len(dst[ii]), len(src[ii]))
		}
		copy(dst[ii], src[ii])
	}
	return nil
}
