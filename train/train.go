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

// Package train implements the training orchestration core: the Loop that
// sequences epochs and steps, the Trainer that connects the model to the
// resumable optimizer wrapper, and the Monitor that decides checkpoint and
// validation timing.
//
// The model, loss math and tensor runtime are external collaborators,
// consumed only through the Model interface; this package owns the control
// state that makes a run resumable, distributed-consistent and observable.
package train

import (
	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/pkg/errors"
)

// Dataset provides the data one batch at a time: Yield returns an opaque
// `spec` passed to the model, parallel slices of input and label vectors, or
// io.EOF at the end of the epoch. Reset restarts it for the next epoch.
type Dataset interface {
	// Name identifies the dataset, for logging.
	Name() string

	// Yield one batch, or io.EOF at the end of the epoch.
	Yield() (spec any, inputs, labels [][]float64, err error)

	// Reset restarts the dataset from the beginning, after io.EOF.
	Reset()
}

// Model is the external collaborator holding the parameters and the
// forward/backward capability. The orchestration core never inspects the
// model math.
type Model interface {
	// Name identifies the model; it is encoded into checkpoint artifacts.
	Name() string

	// Parameters returns the live parameter tensors as flat float64 slices.
	// The optimizer updates them in place.
	Parameters() [][]float64

	// Backward runs forward and backward propagation for one micro-batch
	// with the loss multiplied by lossScale, returning the scaled loss and
	// scaled gradients (parallel to Parameters).
	Backward(spec any, inputs, labels [][]float64, lossScale float64) (scaledLoss float64, scaledGrads [][]float64, err error)
}

// Validator is the external collaborator producing the scalar validation
// metric the top_k policy and best tracking compare on.
type Validator interface {
	// MetricName names the metric, for logging and summaries.
	MetricName() string

	// Validate runs the validation pass and returns the scalar metric.
	Validate() (float64, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc struct {
	Name string
	Fn   func() (float64, error)
}

// MetricName implements Validator.
func (v ValidatorFunc) MetricName() string { return v.Name }

// Validate implements Validator.
func (v ValidatorFunc) Validate() (float64, error) { return v.Fn() }

// Trainer connects the Model collaborator to the resumable optimizer
// wrapper: one TrainStep per micro-batch.
type Trainer struct {
	model   Model
	updater *optimizers.Updater
}

// NewTrainer creates a Trainer stepping the given model through the updater.
func NewTrainer(model Model, updater *optimizers.Updater) *Trainer {
	return &Trainer{model: model, updater: updater}
}

// Model returns the model being trained.
func (t *Trainer) Model() Model { return t.model }

// Updater returns the resumable optimizer wrapper, the owner of the global
// step.
func (t *Trainer) Updater() *optimizers.Updater { return t.updater }

// TrainStep runs one micro-batch: backward pass under the current loss
// scale, then gradient accumulation and possibly an applied update. The
// returned loss is un-scaled.
func (t *Trainer) TrainStep(spec any, inputs, labels [][]float64) (loss float64, outcome optimizers.Outcome, err error) {
	scaledLoss, scaledGrads, err := t.model.Backward(spec, inputs, labels, t.updater.LossScale())
	if err != nil {
		return 0, optimizers.Accumulating, errors.WithMessage(err, "Trainer.TrainStep: backward pass")
	}
	outcome, err = t.updater.Accumulate(scaledLoss, scaledGrads)
	if err != nil {
		return 0, outcome, errors.WithMessage(err, "Trainer.TrainStep")
	}
	return t.updater.LastLoss(), outcome, nil
}
