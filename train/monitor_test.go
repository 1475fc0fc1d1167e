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

	"github.com/gomlx/pretrain/checkpoints"
	"github.com/gomlx/pretrain/distributed"
	"github.com/gomlx/pretrain/summary"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, keep int) *checkpoints.Handler {
	return must.M1(checkpoints.Build(t.TempDir()).
		Model("quad").
		Keep(keep).
		TrackBest(true).
		Done())
}

// Three epochs over 3 batches with no accumulation: the global step must
// advance once per batch, and the "interval" policy at every epoch must
// leave exactly three checkpoints behind.
func TestMonitorIntervalPolicy(t *testing.T) {
	model := newQuadModel(1.0)
	trainer := newTestTrainer(t, model)
	loop := NewLoop(trainer)
	handler := newTestHandler(t, 5)

	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		Policy(SavePolicyInterval).
		SaveInterval(1).
		LogEveryNSteps(1).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 3))
	assert.Equal(t, int64(9), trainer.Updater().GlobalStep(), "3 epochs x 3 batches, all applied")

	records := handler.Records()
	require.Len(t, records, 3, "one checkpoint per epoch")
	for idx, record := range records {
		assert.Equal(t, idx+1, record.Epoch)
		assert.Equal(t, int64(3*(idx+1)), record.GlobalStep)
	}

	// The optimizer-state artifact is refreshed alongside the checkpoints.
	state := must.M1(handler.LoadOptimizerState())
	require.NotNil(t, state)
	assert.Equal(t, int64(9), state.GlobalStep)
}

func TestMonitorSaveInterval(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))
	handler := newTestHandler(t, 5)

	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		SaveInterval(2).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 3))
	records := handler.Records()
	require.Len(t, records, 1, "only epoch 2 matches the interval")
	assert.Equal(t, 2, records[0].Epoch)
}

func TestMonitorTopKRequiresValidation(t *testing.T) {
	handler := newTestHandler(t, 5)
	_, err := NewMonitor(distributed.Single(), handler).
		Policy(SavePolicyTopK).
		Done()
	require.Error(t, err, "top_k without validation must fail before training starts")
	assert.Contains(t, err.Error(), "requires validation")
}

func TestMonitorTopKPolicy(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))
	handler := newTestHandler(t, 5)

	// Improves at epochs 1 and 3, regresses at epoch 2.
	results := []float64{0.5, 0.4, 0.7}
	epoch := 0
	validator := ValidatorFunc{Name: "accuracy", Fn: func() (float64, error) {
		value := results[epoch]
		epoch++
		return value, nil
	}}

	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		Policy(SavePolicyTopK).
		Validation(validator, 1).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 3))
	records := handler.Records()
	require.Len(t, records, 2, "epoch 2 regressed, must not be saved")
	assert.Equal(t, 1, records[0].Epoch)
	assert.Equal(t, 3, records[1].Epoch)

	best := handler.Best()
	require.NotNil(t, best)
	assert.Equal(t, 3, best.Epoch)
	assert.Equal(t, 0.7, *best.ValidationMetric)
}

func TestMonitorLatestKPolicy(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))
	handler := newTestHandler(t, 2)

	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		Policy(SavePolicyLatestK).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 3))
	records := handler.Records()
	require.Len(t, records, 2, "retention keeps the 2 most recent")
	assert.Equal(t, 2, records[0].Epoch)
	assert.Equal(t, 3, records[1].Epoch)
}

func TestMonitorValidationInterval(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))
	handler := newTestHandler(t, 5)

	validations := 0
	validator := ValidatorFunc{Name: "accuracy", Fn: func() (float64, error) {
		validations++
		return 0.5, nil
	}}

	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		Validation(validator, 2).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 4))
	assert.Equal(t, 2, validations, "epochs 2 and 4 only")
}

func TestMonitorNonCoordinatorDoesNotSave(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))

	dctx := must.M1(distributed.New(2, 1))
	monitor := must.M1(NewMonitor(dctx, nil).Done())
	monitor.AttachTo(loop)

	// Must run to completion with no handler: rank 1 never persists.
	_ = must.M1(loop.RunEpochs(sixSamples(t), 2))
	assert.Nil(t, monitor.LastRecord())
}

func TestMonitorResumedEpochNumbering(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))
	handler := newTestHandler(t, 5)

	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		StartEpoch(2).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 2))
	records := handler.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 3, records[0].Epoch, "numbering continues after the resumed epoch")
	assert.Equal(t, 4, records[1].Epoch)
}

func TestMonitorSummaryPoints(t *testing.T) {
	model := newQuadModel(1.0)
	loop := NewLoop(newTestTrainer(t, model))
	handler := newTestHandler(t, 5)

	dir := t.TempDir()
	writer := must.M1(summary.NewWriterInDir(dir))
	monitor := must.M1(NewMonitor(distributed.Single(), handler).
		LogEveryNSteps(3).
		Summary(writer).
		Done())
	monitor.AttachTo(loop)

	_ = must.M1(loop.RunEpochs(sixSamples(t), 2))
	require.NoError(t, writer.Close())

	points := must.M1(summary.LoadPointsFromDir(dir))
	require.NotEmpty(t, points)
	kinds := make(map[string]int)
	for _, point := range points {
		kinds[point.MetricType]++
	}
	assert.Equal(t, 2, kinds["loss"], "2 log windows over 6 steps")
	assert.Equal(t, kinds["loss"], kinds["lr"])
	assert.Equal(t, kinds["loss"], kinds["scale"])
}
