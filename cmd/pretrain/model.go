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

package main

import (
	"math/rand"

	"github.com/gomlx/pretrain/data"
	"github.com/pkg/errors"
)

// linearModel is the built-in demonstration workload: least-squares linear
// regression with analytic gradients. It stands in for the real model
// collaborator, so the orchestration (sharding, scheduling, loss scaling,
// checkpointing, resumption) can be run end to end from the command line.
type linearModel struct {
	name    string
	weights []float64
	bias    []float64
}

func newLinearModel(name string, featureDim int) *linearModel {
	return &linearModel{
		name:    name,
		weights: make([]float64, featureDim),
		bias:    make([]float64, 1),
	}
}

func (m *linearModel) Name() string { return m.name }

func (m *linearModel) Parameters() [][]float64 {
	return [][]float64{m.weights, m.bias}
}

func (m *linearModel) predict(input []float64) float64 {
	prediction := m.bias[0]
	for ii, x := range input {
		prediction += m.weights[ii] * x
	}
	return prediction
}

// Backward computes the mean squared error over the batch and its analytic
// gradients, both multiplied by lossScale.
func (m *linearModel) Backward(spec any, inputs, labels [][]float64, lossScale float64) (float64, [][]float64, error) {
	if len(inputs) == 0 {
		return 0, nil, errors.Errorf("empty batch")
	}
	gradWeights := make([]float64, len(m.weights))
	gradBias := make([]float64, 1)
	loss := 0.0
	for ii, input := range inputs {
		if len(input) != len(m.weights) {
			return 0, nil, errors.Errorf("sample #%d has %d features, model expects %d", ii, len(input), len(m.weights))
		}
		residual := m.predict(input) - labels[ii][0]
		loss += residual * residual
		for jj, x := range input {
			gradWeights[jj] += 2 * residual * x
		}
		gradBias[0] += 2 * residual
	}
	batch := float64(len(inputs))
	loss /= batch
	for jj := range gradWeights {
		gradWeights[jj] *= lossScale / batch
	}
	gradBias[0] *= lossScale / batch
	return loss * lossScale, [][]float64{gradWeights, gradBias}, nil
}

// meanLossOn computes the plain (un-scaled) mean squared error over a
// dataset, used as the validation metric.
func (m *linearModel) meanLossOn(ds *data.InMemoryDataset) (float64, error) {
	sum, batches := 0.0, 0
	for {
		spec, inputs, labels, err := ds.Yield()
		if err != nil {
			break // io.EOF
		}
		loss, _, err := m.Backward(spec, inputs, labels, 1)
		if err != nil {
			return 0, err
		}
		sum += loss
		batches++
	}
	ds.Reset()
	if batches == 0 {
		return 0, errors.Errorf("validation dataset %q yielded no batches", ds.Name())
	}
	return sum / float64(batches), nil
}

// syntheticSamples generates a deterministic linear regression problem: a
// fixed random ground truth plus gaussian noise. Identical seeds yield
// identical datasets on every rank.
func syntheticSamples(numSamples, featureDim int, seed int64) []data.Sample {
	rng := rand.New(rand.NewSource(seed))
	trueWeights := make([]float64, featureDim)
	for ii := range trueWeights {
		trueWeights[ii] = rng.NormFloat64()
	}
	trueBias := rng.NormFloat64()

	samples := make([]data.Sample, numSamples)
	for ii := range samples {
		input := make([]float64, featureDim)
		label := trueBias
		for jj := range input {
			input[jj] = rng.NormFloat64()
			label += trueWeights[jj] * input[jj]
		}
		label += 0.01 * rng.NormFloat64()
		samples[ii] = data.Sample{Inputs: input, Labels: []float64{label}}
	}
	return samples
}
