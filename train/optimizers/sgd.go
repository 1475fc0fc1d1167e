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

// SGDConfig holds the configuration of an SGD optimizer, created with SGD().
// Once configured, call Done.
type SGDConfig struct {
	momentum    float64
	nesterov    bool
	weightDecay float64
}

// SGD returns a configuration for a stochastic gradient descent optimizer,
// optionally with momentum (see SGDConfig.Momentum).
func SGD() *SGDConfig {
	return &SGDConfig{}
}

// Momentum sets the momentum coefficient. 0 disables momentum (the default).
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// Nesterov enables Nesterov momentum.
func (c *SGDConfig) Nesterov() *SGDConfig {
	c.nesterov = true
	return c
}

// WeightDecay sets an L2 weight decay added to the gradients.
func (c *SGDConfig) WeightDecay(decay float64) *SGDConfig {
	c.weightDecay = decay
	return c
}

// Done builds the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: *c}
}

type sgd struct {
	config   SGDConfig
	velocity [][]float64
}

// ApplyUpdate implements Interface.
func (o *sgd) ApplyUpdate(params, grads [][]float64, learningRate float64) error {
	if err := checkParallel(params, grads); err != nil {
		return err
	}
	useMomentum := o.config.momentum > 0
	if useMomentum && o.velocity == nil {
		o.velocity = buffersLike(params)
	}
	for ii := range params {
		for jj := range params[ii] {
			grad := grads[ii][jj]
			if o.config.weightDecay > 0 {
				grad += o.config.weightDecay * params[ii][jj]
			}
			if !useMomentum {
				params[ii][jj] -= learningRate * grad
				continue
			}
			v := o.config.momentum*o.velocity[ii][jj] + grad
			o.velocity[ii][jj] = v
			if o.config.nesterov {
				v = o.config.momentum*v + grad
			}
			params[ii][jj] -= learningRate * v
		}
	}
	return nil
}

// Clear implements Interface.
func (o *sgd) Clear() { o.velocity = nil }

// StateBuffers implements Interface.
func (o *sgd) StateBuffers() map[string][][]float64 {
	if o.velocity == nil {
		return map[string][][]float64{}
	}
	return map[string][][]float64{"velocity": o.velocity}
}

// LoadStateBuffers implements Interface.
func (o *sgd) LoadStateBuffers(buffers map[string][][]float64) error {
	src, found := buffers["velocity"]
	if !found {
		o.velocity = nil
		return nil
	}
	if o.velocity == nil {
		o.velocity = buffersLike(src)
	}
	return loadBuffer("velocity", o.velocity, src)
}
