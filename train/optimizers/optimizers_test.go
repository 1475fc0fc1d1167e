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
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSGD(t *testing.T) {
	opt := SGD().Done()
	params := [][]float64{{1.0, 2.0}}
	grads := [][]float64{{0.5, -0.5}}
	require.NoError(t, opt.ApplyUpdate(params, grads, 0.1))
	assert.InDelta(t, 0.95, params[0][0], 1e-12)
	assert.InDelta(t, 2.05, params[0][1], 1e-12)

	err := opt.ApplyUpdate(params, [][]float64{{1.0}}, 0.1)
	assert.Error(t, err, "mismatched gradient shapes must be rejected")
}

func TestSGDMomentum(t *testing.T) {
	opt := SGD().Momentum(0.9).Done()
	params := [][]float64{{0.0}}
	grads := [][]float64{{1.0}}
	require.NoError(t, opt.ApplyUpdate(params, grads, 1.0))
	assert.InDelta(t, -1.0, params[0][0], 1e-12)
	// Second step: velocity = 0.9*1 + 1 = 1.9.
	require.NoError(t, opt.ApplyUpdate(params, grads, 1.0))
	assert.InDelta(t, -2.9, params[0][0], 1e-12)
}

func TestAdamReducesLoss(t *testing.T) {
	// Minimize f(x) = x^2 from x=1; gradient is 2x.
	opt := Adam().Done()
	params := [][]float64{{1.0}}
	for step := 0; step < 500; step++ {
		grads := [][]float64{{2 * params[0][0]}}
		require.NoError(t, opt.ApplyUpdate(params, grads, 0.01))
	}
	assert.Less(t, params[0][0]*params[0][0], 0.01)
}

func TestAdamStateRoundTrip(t *testing.T) {
	opt := Adam().Done()
	params := [][]float64{{1.0, -1.0}}
	require.NoError(t, opt.ApplyUpdate(params, [][]float64{{0.1, 0.2}}, 0.01))

	state := opt.StateBuffers()
	require.Contains(t, state, "moments1")
	require.Contains(t, state, "moments2")

	restored := Adam().Done()
	require.NoError(t, restored.LoadStateBuffers(state))
	assert.Equal(t, state["moments1"], restored.StateBuffers()["moments1"])

	bad := map[string][][]float64{
		"moments1": {{1.0}},
		"moments2": {{1.0, 2.0, 3.0}},
	}
	other := Adam().Done()
	require.NoError(t, other.ApplyUpdate([][]float64{{1.0, 2.0}}, [][]float64{{0.1, 0.1}}, 0.01))
	assert.Error(t, other.LoadStateBuffers(bad), "mismatched shapes are a resumption error")
}

func TestByName(t *testing.T) {
	for name := range KnownOptimizers {
		assert.NotNil(t, ByName(name))
	}
	assert.Panics(t, func() { ByName("no-such-optimizer") })
}

func TestLossScalerFixed(t *testing.T) {
	s := must.M1(NewLossScaler(LossScaleFixed, 1024))
	assert.False(t, s.IsDynamic())
	s.Update(true)
	assert.Equal(t, 1024.0, s.Scale(), "fixed scale never changes")
}

func TestLossScalerDynamic(t *testing.T) {
	s := must.M1(NewLossScaler(LossScaleDynamic, 1024)).ScaleWindow(2)
	s.Update(true)
	assert.Equal(t, 512.0, s.Scale(), "overflow halves the scale")
	s.Update(false)
	s.Update(false)
	assert.Equal(t, 1024.0, s.Scale(), "a clean window doubles the scale")
	s.Update(false)
	s.Update(true)
	assert.Equal(t, 512.0, s.Scale(), "overflow also resets the growth counter")

	_, err := NewLossScaler("bogus", 1)
	assert.Error(t, err)
	_, err = NewLossScaler(LossScaleDynamic, 0.5)
	assert.Error(t, err)
}
