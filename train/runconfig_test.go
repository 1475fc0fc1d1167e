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

package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRunConfig() RunConfig {
	return RunConfig{
		Model:                 "quad",
		NumEpochs:             3,
		NumSamples:            6,
		BatchSize:             2,
		Optimizer:             "sgd",
		Scheduler:             "constant",
		LearningRate:          0.1,
		LossScaleType:         "fixed",
		LossScale:             1,
		GradAccumulationSteps: 1,
		CkptSavePolicy:        SavePolicyInterval,
		CkptSaveInterval:      1,
		KeepCheckpointMax:     10,
		ValInterval:           1,
		LogInterval:           100,
	}
}

func TestRunConfigValidate(t *testing.T) {
	cfg := validRunConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.NumBatchesPerEpoch())

	mutations := []struct {
		name   string
		mutate func(c *RunConfig)
	}{
		{"empty model", func(c *RunConfig) { c.Model = "" }},
		{"zero epochs", func(c *RunConfig) { c.NumEpochs = 0 }},
		{"zero batch size", func(c *RunConfig) { c.BatchSize = 0 }},
		{"fewer samples than batch", func(c *RunConfig) { c.NumSamples = 1 }},
		{"unknown optimizer", func(c *RunConfig) { c.Optimizer = "lion" }},
		{"unknown loss scale type", func(c *RunConfig) { c.LossScaleType = "auto" }},
		{"loss scale below one", func(c *RunConfig) { c.LossScale = 0.5 }},
		{"zero accumulation", func(c *RunConfig) { c.GradAccumulationSteps = 0 }},
		{"ema decay out of range", func(c *RunConfig) { c.EMA = true; c.EMADecay = 1 }},
		{"clip without value", func(c *RunConfig) { c.ClipGrad = true; c.ClipValue = 0 }},
		{"zero keep", func(c *RunConfig) { c.KeepCheckpointMax = 0 }},
		{"unknown policy", func(c *RunConfig) { c.CkptSavePolicy = "always" }},
		{"top_k without validation", func(c *RunConfig) { c.CkptSavePolicy = SavePolicyTopK }},
		{"zero log interval", func(c *RunConfig) { c.LogInterval = 0 }},
	}
	for _, mutation := range mutations {
		t.Run(mutation.name, func(t *testing.T) {
			cfg := validRunConfig()
			mutation.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// top_k with validation enabled is fine.
	cfg = validRunConfig()
	cfg.CkptSavePolicy = SavePolicyTopK
	cfg.ValWhileTrain = true
	assert.NoError(t, cfg.Validate())
}

func TestCursorAt(t *testing.T) {
	cursor := CursorAt(7, 3)
	assert.Equal(t, 2, cursor.Epoch)
	assert.Equal(t, int64(1), cursor.StepsInEpoch)

	assert.Equal(t, EpochCursor{}, CursorAt(7, 0))
}
