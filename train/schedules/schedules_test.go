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

package schedules

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurity(t *testing.T) {
	s := must.M1(New(100).Name(Cosine).LearningRate(0.1).MinLearningRate(0.001).
		WarmupEpochs(2).NumEpochs(20).Done())
	for _, step := range []int64{0, 1, 150, 199, 200, 1000, 1999} {
		first := s.LearningRateAt(step)
		second := s.LearningRateAt(step)
		assert.Equalf(t, first, second, "step %d: schedule must be a pure function of step", step)
	}
}

func TestWarmup(t *testing.T) {
	// Warmup over 2 epochs of 10 batches: linear from 0.01*lr to lr.
	s := must.M1(New(10).Name(Constant).LearningRate(1.0).WarmupEpochs(2).WarmupFactor(0.01).Done())
	assert.Equal(t, 0.01, s.LearningRateAt(0))
	assert.InDelta(t, 0.505, s.LearningRateAt(10), 1e-9)
	assert.Equal(t, 1.0, s.LearningRateAt(20), "warmup ends at the base learning rate")
	assert.Equal(t, 1.0, s.LearningRateAt(500))
	assert.Less(t, s.LearningRateAt(5), s.LearningRateAt(15), "warmup must be increasing")
}

func TestStepDecay(t *testing.T) {
	s := must.M1(New(10).Name(StepDecay).LearningRate(1.0).DecayEpochs(2).DecayRate(0.5).Done())
	assert.Equal(t, 1.0, s.LearningRateAt(0))
	assert.Equal(t, 1.0, s.LearningRateAt(19)) // Epoch 1.
	assert.Equal(t, 0.5, s.LearningRateAt(20)) // Epoch 2.
	assert.Equal(t, 0.25, s.LearningRateAt(40))
}

func TestMultiStepDecay(t *testing.T) {
	s := must.M1(New(10).Name(MultiStepDecay).LearningRate(1.0).DecayRate(0.1).
		Milestones([]int{3, 6}).Done())
	assert.Equal(t, 1.0, s.LearningRateAt(29)) // Epoch 2.
	assert.InDelta(t, 0.1, s.LearningRateAt(30), 1e-12)
	assert.InDelta(t, 0.01, s.LearningRateAt(60), 1e-12)

	_, err := New(10).Name(MultiStepDecay).LearningRate(1.0).Milestones([]int{6, 3}).Done()
	assert.Error(t, err, "milestones must be ascending")
}

func TestCosine(t *testing.T) {
	s := must.M1(New(10).Name(Cosine).LearningRate(1.0).MinLearningRate(0.1).NumEpochs(10).Done())
	assert.Equal(t, 1.0, s.LearningRateAt(0))
	assert.InDelta(t, 0.55, s.LearningRateAt(50), 1e-9, "midpoint of the cosine is the mean of base and min")
	assert.InDelta(t, 0.1, s.LearningRateAt(100), 1e-9)
	assert.InDelta(t, 0.1, s.LearningRateAt(1000), 1e-9, "past the end the schedule stays at the floor")
}

func TestCosineWarmRestarts(t *testing.T) {
	s := must.M1(New(10).Name(CosineWarmRestarts).LearningRate(1.0).NumEpochs(10).
		NumCycles(2).CycleDecay(0.5).Done())
	assert.Equal(t, 1.0, s.LearningRateAt(0))
	assert.InDelta(t, 0.5, s.LearningRateAt(50), 1e-9, "second cycle restarts at cycleDecay*lr")
	require.Less(t, s.LearningRateAt(49), 0.1, "end of the first cycle approaches the floor")
}

func TestExponentialDecay(t *testing.T) {
	s := must.M1(New(10).Name(ExponentialDecay).LearningRate(1.0).DecayEpochs(1).DecayRate(0.5).Done())
	assert.Equal(t, 1.0, s.LearningRateAt(0))
	assert.InDelta(t, 0.5, s.LearningRateAt(10), 1e-9)
	assert.InDelta(t, 0.25, s.LearningRateAt(20), 1e-9)
}

func TestConfigErrors(t *testing.T) {
	_, err := New(10).Name("nope").LearningRate(0.1).Done()
	assert.Error(t, err)
	_, err = New(10).Done()
	assert.Error(t, err, "learning rate is required")
	_, err = New(10).LearningRate(0.1).MinLearningRate(0.2).Done()
	assert.Error(t, err)
	_, err = New(0).LearningRate(0.1).Done()
	assert.Error(t, err)
	_, err = New(10).Name(Cosine).LearningRate(0.1).NumEpochs(0).Done()
	assert.Error(t, err, "cosine requires the total number of epochs")
}
