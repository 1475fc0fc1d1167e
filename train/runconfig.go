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
	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/pkg/errors"
)

// RunConfig is the immutable snapshot of a training run's configuration,
// created once at process start from parsed arguments and validated before
// any training step runs. Read-only thereafter.
type RunConfig struct {
	// Model name, encoded into checkpoint artifacts.
	Model string

	// NumEpochs to train for.
	NumEpochs int

	// NumSamples per epoch (before sharding).
	NumSamples int

	// BatchSize per micro-batch.
	BatchSize int

	// Distribute enables multi-worker mode; rank and world size come from
	// the environment.
	Distribute bool

	// Optimizer name, one of optimizers.KnownOptimizers.
	Optimizer string

	// Scheduler name and its hyperparameters, passed to schedules.New.
	Scheduler       string
	LearningRate    float64
	MinLearningRate float64
	WarmupEpochs    int
	WarmupFactor    float64
	DecayEpochs     int
	DecayRate       float64
	Milestones      []int
	NumCycles       int
	CycleDecay      float64

	// Momentum and WeightDecay are optimizer hyperparameters, interpreted
	// by the selected optimizer.
	Momentum    float64
	WeightDecay float64

	// LossScaleType is optimizers.LossScaleFixed or optimizers.LossScaleDynamic.
	LossScaleType string

	// LossScale is the initial (or fixed) loss scale value, >= 1.
	LossScale float64

	// DropOverflowUpdate skips updates with non-finite gradients instead of
	// applying them.
	DropOverflowUpdate bool

	// GradAccumulationSteps micro-batches are accumulated per applied update.
	GradAccumulationSteps int

	// EMA enables the parameter shadow with the given decay.
	EMA      bool
	EMADecay float64

	// ClipGrad enables global-norm gradient clipping at ClipValue.
	ClipGrad  bool
	ClipValue float64

	// CkptDir is where checkpoint artifacts and the metrics summary live.
	CkptDir string

	// CkptSavePolicy is one of KnownSavePolicies; CkptSaveInterval applies
	// to the "interval" policy.
	CkptSavePolicy   string
	CkptSaveInterval int

	// KeepCheckpointMax bounds the retention set.
	KeepCheckpointMax int

	// ValWhileTrain enables validation every ValInterval epochs.
	ValWhileTrain bool
	ValInterval   int

	// Resume is the checkpoint data file to restart from, empty for a fresh
	// run.
	Resume string

	// LogInterval in micro-batch steps.
	LogInterval int
}

// NumBatchesPerEpoch returns how many batches one (unsharded) epoch yields.
func (c *RunConfig) NumBatchesPerEpoch() int {
	if c.BatchSize <= 0 {
		return 0
	}
	return c.NumSamples / c.BatchSize
}

// Validate checks the whole configuration surface at once, so a bad run fails
// at startup and not after hours of training.
func (c *RunConfig) Validate() error {
	if c.Model == "" {
		return errors.Errorf("config: model name must not be empty")
	}
	if c.NumEpochs < 1 {
		return errors.Errorf("config: num_epochs must be >= 1, got %d", c.NumEpochs)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.NumSamples < c.BatchSize {
		return errors.Errorf("config: num_samples (%d) must be >= batch_size (%d)", c.NumSamples, c.BatchSize)
	}
	if _, found := optimizers.KnownOptimizers[c.Optimizer]; !found {
		return errors.Errorf("config: unknown optimizer %q", c.Optimizer)
	}
	if c.LossScaleType != optimizers.LossScaleFixed && c.LossScaleType != optimizers.LossScaleDynamic {
		return errors.Errorf("config: loss_scale_type must be %q or %q, got %q",
			optimizers.LossScaleFixed, optimizers.LossScaleDynamic, c.LossScaleType)
	}
	if c.LossScale < 1 {
		return errors.Errorf("config: loss_scale must be >= 1, got %g", c.LossScale)
	}
	if c.GradAccumulationSteps < 1 {
		return errors.Errorf("config: gradient_accumulation_steps must be >= 1, got %d", c.GradAccumulationSteps)
	}
	if c.EMA && (c.EMADecay <= 0 || c.EMADecay >= 1) {
		return errors.Errorf("config: ema_decay must be in (0, 1), got %g", c.EMADecay)
	}
	if c.ClipGrad && c.ClipValue <= 0 {
		return errors.Errorf("config: clip_value must be > 0, got %g", c.ClipValue)
	}
	if c.KeepCheckpointMax < 1 {
		return errors.Errorf("config: keep_checkpoint_max must be >= 1, got %d", c.KeepCheckpointMax)
	}
	if c.CkptSaveInterval < 1 {
		return errors.Errorf("config: ckpt_save_interval must be >= 1, got %d", c.CkptSaveInterval)
	}
	if c.ValInterval < 1 {
		return errors.Errorf("config: val_interval must be >= 1, got %d", c.ValInterval)
	}
	policyKnown := false
	for _, policy := range KnownSavePolicies {
		if c.CkptSavePolicy == policy {
			policyKnown = true
			break
		}
	}
	if !policyKnown {
		return errors.Errorf("config: unknown ckpt_save_policy %q, valid values are %v", c.CkptSavePolicy, KnownSavePolicies)
	}
	if c.CkptSavePolicy == SavePolicyTopK && !c.ValWhileTrain {
		return errors.Errorf("config: ckpt_save_policy %q requires val_while_train", SavePolicyTopK)
	}
	if c.LogInterval < 1 {
		return errors.Errorf("config: log_interval must be >= 1, got %d", c.LogInterval)
	}
	return nil
}

// EpochCursor locates a restored global step inside the epoch structure of a
// run: which epoch it is in and how many applied updates into that epoch it
// is. Derived, never persisted.
type EpochCursor struct {
	Epoch        int
	StepsInEpoch int64
}

// CursorAt derives the cursor from a global step count. updatesPerEpoch is
// the number of applied updates per epoch, that is, batches per epoch divided
// by the gradient accumulation steps.
func CursorAt(globalStep int64, updatesPerEpoch int) EpochCursor {
	if updatesPerEpoch <= 0 {
		return EpochCursor{}
	}
	return EpochCursor{
		Epoch:        int(globalStep / int64(updatesPerEpoch)),
		StepsInEpoch: globalStep % int64(updatesPerEpoch),
	}
}
