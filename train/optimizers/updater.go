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

	"github.com/gomlx/pretrain/train/schedules"
	"github.com/pkg/errors"
)

// Outcome of one Updater.Accumulate call.
type Outcome int

const (
	// Accumulating means the micro-batch was folded into the gradient
	// accumulation buffers and no update was applied yet.
	Accumulating Outcome = iota

	// Applied means the accumulated update was applied and the global step
	// advanced.
	Applied

	// Skipped means a non-finite gradient was detected under dynamic loss
	// scaling: the accumulated update was discarded, the loss scale backed
	// off, and the global step left untouched.
	Skipped
)

// State is the persistable state of an Updater, written into the
// optimizer-state checkpoint artifact and restored at resumption.
type State struct {
	GlobalStep int64
	LossScale  float64

	// Buffers holds the optimizer moment buffers, see Interface.StateBuffers.
	Buffers map[string][][]float64

	// EMA holds the shadow parameters, empty when EMA is disabled.
	EMA [][]float64
}

// UpdaterConfig configures an Updater; created with NewUpdater, finished with
// Done.
type UpdaterConfig struct {
	optimizer Interface
	schedule  *schedules.Schedule
	params    [][]float64

	accumulationSteps  int
	scaler             *LossScaler
	dropOverflowUpdate bool
	clipValue          float64
	emaDecay           float64
}

// NewUpdater starts the configuration of the resumable update wrapper around
// the given optimizer and learning-rate schedule, operating in place on
// params (the model's parameter tensors).
func NewUpdater(optimizer Interface, schedule *schedules.Schedule, params [][]float64) *UpdaterConfig {
	return &UpdaterConfig{
		optimizer:          optimizer,
		schedule:           schedule,
		params:             params,
		accumulationSteps:  1,
		dropOverflowUpdate: true,
	}
}

// GradAccumulationSteps sets how many micro-batches are accumulated before an
// update is applied. Default 1.
func (c *UpdaterConfig) GradAccumulationSteps(steps int) *UpdaterConfig {
	c.accumulationSteps = steps
	return c
}

// LossScaler installs the loss scaler. Without one a fixed scale of 1 is
// used.
func (c *UpdaterConfig) LossScaler(scaler *LossScaler) *UpdaterConfig {
	c.scaler = scaler
	return c
}

// DropOverflowUpdate controls whether an overflowed accumulation is discarded
// (the default) or applied regardless.
func (c *UpdaterConfig) DropOverflowUpdate(drop bool) *UpdaterConfig {
	c.dropOverflowUpdate = drop
	return c
}

// ClipGlobalNorm enables gradient clipping to the given global norm before
// the update. 0 (the default) disables clipping.
func (c *UpdaterConfig) ClipGlobalNorm(clipValue float64) *UpdaterConfig {
	c.clipValue = clipValue
	return c
}

// EMA enables an exponential-moving-average shadow copy of the parameters,
// updated after every applied step with the given decay.
func (c *UpdaterConfig) EMA(decay float64) *UpdaterConfig {
	c.emaDecay = decay
	return c
}

// Done validates the configuration and builds the Updater.
func (c *UpdaterConfig) Done() (*Updater, error) {
	if c.optimizer == nil || c.schedule == nil {
		return nil, errors.Errorf("updater requires an optimizer and a schedule")
	}
	if len(c.params) == 0 {
		return nil, errors.Errorf("updater requires at least one parameter tensor")
	}
	if c.accumulationSteps < 1 {
		return nil, errors.Errorf("gradient accumulation steps must be >= 1, got %d", c.accumulationSteps)
	}
	if c.emaDecay != 0 && (c.emaDecay <= 0 || c.emaDecay >= 1) {
		return nil, errors.Errorf("EMA decay must be in (0, 1), got %g", c.emaDecay)
	}
	if c.clipValue < 0 {
		return nil, errors.Errorf("clip value must be >= 0, got %g", c.clipValue)
	}
	scaler := c.scaler
	if scaler == nil {
		var err error
		scaler, err = NewLossScaler(LossScaleFixed, 1)
		if err != nil {
			return nil, err
		}
	}
	u := &Updater{
		config: *c,
		scaler: scaler,
		accum:  buffersLike(c.params),
	}
	if c.emaDecay > 0 {
		u.ema = buffersLike(c.params)
		for ii := range u.ema {
			copy(u.ema[ii], c.params[ii])
		}
	}
	return u, nil
}

// Updater is the resumable optimizer wrapper: it owns the global-step
// counter, accumulates gradients across micro-batches, detects numeric
// overflow under loss scaling, and maintains the optional EMA shadow
// parameters.
//
// The global step counts successfully applied updates -- not batches seen --
// and advances exactly once per applied, non-overflowed,
// accumulation-complete update.
type Updater struct {
	config UpdaterConfig
	scaler *LossScaler

	globalStep   int64
	skippedSteps int64

	accum      [][]float64
	accumCount int

	ema [][]float64

	lastLR   float64
	lastLoss float64
}

// Accumulate folds one micro-batch of (scaled-loss, scaled-gradients) into
// the wrapper. Once GradAccumulationSteps micro-batches were collected it
// finishes the step: un-scales, checks for overflow, clips, applies the
// update at the schedule's learning rate for the current (pre-increment)
// global step, and only then advances the counter and the EMA shadow.
func (u *Updater) Accumulate(scaledLoss float64, grads [][]float64) (Outcome, error) {
	if err := checkParallel(u.accum, grads); err != nil {
		return Accumulating, errors.WithMessage(err, "Updater.Accumulate")
	}
	for ii := range grads {
		for jj, g := range grads[ii] {
			u.accum[ii][jj] += g
		}
	}
	u.accumCount++
	u.lastLoss = scaledLoss / u.scaler.Scale()
	if u.accumCount < u.config.accumulationSteps {
		return Accumulating, nil
	}
	return u.finishStep()
}

func (u *Updater) finishStep() (Outcome, error) {
	defer func() {
		for ii := range u.accum {
			clear(u.accum[ii])
		}
		u.accumCount = 0
	}()

	// Un-scale by the loss scale and the number of accumulated micro-batches.
	divisor := u.scaler.Scale() * float64(u.config.accumulationSteps)
	overflowed := false
	for ii := range u.accum {
		for jj := range u.accum[ii] {
			g := u.accum[ii][jj] / divisor
			u.accum[ii][jj] = g
			if math.IsNaN(g) || math.IsInf(g, 0) {
				overflowed = true
			}
		}
	}

	if overflowed && u.config.dropOverflowUpdate {
		u.scaler.Update(true)
		u.skippedSteps++
		return Skipped, nil
	}

	if u.config.clipValue > 0 {
		clipByGlobalNorm(u.accum, u.config.clipValue)
	}

	// Learning rate is evaluated at the current global step, before the
	// increment.
	lr := u.config.schedule.LearningRateAt(u.globalStep)
	u.lastLR = lr
	if err := u.config.optimizer.ApplyUpdate(u.config.params, u.accum, lr); err != nil {
		return Skipped, errors.WithMessage(err, "Updater.finishStep")
	}
	u.globalStep++
	u.scaler.Update(overflowed)
	u.updateEMA()
	return Applied, nil
}

func (u *Updater) updateEMA() {
	if u.ema == nil {
		return
	}
	decay := u.config.emaDecay
	for ii := range u.ema {
		for jj := range u.ema[ii] {
			u.ema[ii][jj] = decay*u.ema[ii][jj] + (1-decay)*u.config.params[ii][jj]
		}
	}
}

// clipByGlobalNorm scales grads in place so their global L2 norm does not
// exceed clipValue.
func clipByGlobalNorm(grads [][]float64, clipValue float64) {
	var sumSquares float64
	for ii := range grads {
		for _, g := range grads[ii] {
			sumSquares += g * g
		}
	}
	norm := math.Sqrt(sumSquares)
	if norm <= clipValue || norm == 0 {
		return
	}
	factor := clipValue / norm
	for ii := range grads {
		for jj := range grads[ii] {
			grads[ii][jj] *= factor
		}
	}
}

// GlobalStep returns the count of applied optimizer updates, including the
// value restored from a checkpoint.
func (u *Updater) GlobalStep() int64 { return u.globalStep }

// SkippedSteps returns how many accumulated updates were discarded because of
// overflow since construction or resumption.
func (u *Updater) SkippedSteps() int64 { return u.skippedSteps }

// LossScale returns the current loss-scale value, for monitoring and
// persistence.
func (u *Updater) LossScale() float64 { return u.scaler.Scale() }

// LastLearningRate returns the learning rate used by the last applied update.
func (u *Updater) LastLearningRate() float64 { return u.lastLR }

// LastLoss returns the un-scaled loss of the last micro-batch.
func (u *Updater) LastLoss() float64 { return u.lastLoss }

// EMAParameters returns the EMA shadow parameters, or nil when EMA is
// disabled. The returned slices alias the live shadow.
func (u *Updater) EMAParameters() [][]float64 { return u.ema }

// Parameters returns the live parameter tensors the Updater operates on.
func (u *Updater) Parameters() [][]float64 { return u.config.params }

// State snapshots the persistable state: the global step, loss scale, moment
// buffers and EMA shadow. The buffers alias live memory; the caller is
// expected to serialize them before the next step.
func (u *Updater) State() *State {
	return &State{
		GlobalStep: u.globalStep,
		LossScale:  u.scaler.Scale(),
		Buffers:    u.config.optimizer.StateBuffers(),
		EMA:        u.ema,
	}
}

// Restore sets the Updater to a previously persisted state: the very next
// schedule evaluation starts from the restored global step, with no gap and
// no replay of already-applied steps. Mismatched buffer shapes are a fatal
// resumption error.
func (u *Updater) Restore(state *State) error {
	if state == nil {
		return errors.Errorf("cannot restore from a nil state")
	}
	if state.GlobalStep < 0 {
		return errors.Errorf("cannot restore a negative global step %d", state.GlobalStep)
	}
	if err := u.config.optimizer.LoadStateBuffers(state.Buffers); err != nil {
		return errors.WithMessage(err, "restoring optimizer state")
	}
	if u.ema != nil && len(state.EMA) > 0 {
		if err := loadBuffer("ema", u.ema, state.EMA); err != nil {
			return errors.WithMessage(err, "restoring EMA shadow parameters")
		}
	}
	u.globalStep = state.GlobalStep
	u.scaler.SetScale(state.LossScale)
	return nil
}
