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

import "math"

const (
	// AdamDefaultEpsilon is the default numeric-stability term of Adam.
	AdamDefaultEpsilon = 1e-8
)

// AdamConfig holds the configuration for an Adam optimizer, created with
// Adam(). Once configured, call Done.
//
// Adam is a stochastic gradient descent method based on adaptive estimation
// of first-order and second-order moments, see
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
type AdamConfig struct {
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Works as AdamW when > 0 (decoupled decay).
}

// Adam returns a configuration for an Adam optimizer with the usual defaults:
// beta1=0.9, beta2=0.999, epsilon=1e-8.
func Adam() *AdamConfig {
	return &AdamConfig{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: AdamDefaultEpsilon,
	}
}

// Betas sets the moving-average coefficients for the gradient (beta1) and its
// variance (beta2).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the numeric-stability term added to the denominator.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay sets a decoupled weight decay, turning the optimizer into AdamW.
func (c *AdamConfig) WeightDecay(decay float64) *AdamConfig {
	c.weightDecay = decay
	return c
}

// Done builds the optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c}
}

type adam struct {
	config AdamConfig

	// First and second moment estimates, allocated on first use.
	moments1, moments2 [][]float64

	// updates counts ApplyUpdate calls, for the bias correction terms. It is
	// persisted with the moment buffers so resumption continues the
	// correction series where it stopped.
	updates int64
}

// ApplyUpdate implements Interface.
func (o *adam) ApplyUpdate(params, grads [][]float64, learningRate float64) error {
	if err := checkParallel(params, grads); err != nil {
		return err
	}
	if o.moments1 == nil {
		o.moments1 = buffersLike(params)
		o.moments2 = buffersLike(params)
	}
	o.updates++
	correction1 := 1 - math.Pow(o.config.beta1, float64(o.updates))
	correction2 := 1 - math.Pow(o.config.beta2, float64(o.updates))
	for ii := range params {
		for jj := range params[ii] {
			grad := grads[ii][jj]
			m := o.config.beta1*o.moments1[ii][jj] + (1-o.config.beta1)*grad
			v := o.config.beta2*o.moments2[ii][jj] + (1-o.config.beta2)*grad*grad
			o.moments1[ii][jj] = m
			o.moments2[ii][jj] = v
			mHat := m / correction1
			vHat := v / correction2
			step := learningRate * mHat / (math.Sqrt(vHat) + o.config.epsilon)
			if o.config.weightDecay > 0 {
				step += learningRate * o.config.weightDecay * params[ii][jj]
			}
			params[ii][jj] -= step
		}
	}
	return nil
}

// Clear implements Interface.
func (o *adam) Clear() {
	o.moments1, o.moments2 = nil, nil
	o.updates = 0
}

// StateBuffers implements Interface. The update counter is stored as a
// single-value buffer so the whole state travels through one map.
func (o *adam) StateBuffers() map[string][][]float64 {
	if o.moments1 == nil {
		return map[string][][]float64{}
	}
	return map[string][][]float64{
		"moments1": o.moments1,
		"moments2": o.moments2,
		"updates":  {{float64(o.updates)}},
	}
}

// LoadStateBuffers implements Interface.
func (o *adam) LoadStateBuffers(buffers map[string][][]float64) error {
	src1, found1 := buffers["moments1"]
	src2, found2 := buffers["moments2"]
	if !found1 && !found2 {
		o.Clear()
		return nil
	}
	if o.moments1 == nil {
		o.moments1 = buffersLike(src1)
		o.moments2 = buffersLike(src2)
	}
	if err := loadBuffer("moments1", o.moments1, src1); err != nil {
		return err
	}
	if err := loadBuffer("moments2", o.moments2, src2); err != nil {
		return err
	}
	if updates, found := buffers["updates"]; found && len(updates) == 1 && len(updates[0]) == 1 {
		o.updates = int64(updates[0][0])
	}
	return nil
}
