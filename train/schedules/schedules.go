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

// Package schedules implements learning-rate schedules as pure functions of
// the global step.
//
// A Schedule is built once from the run configuration with
// New(numBatchesPerEpoch)....Done() and afterwards is immutable: calling
// LearningRateAt twice with the same step yields bit-identical values. This
// referential transparency is what makes resumption correct -- after a
// restart the schedule is re-evaluated from the restored global step, never
// replayed.
package schedules

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Names of the supported decay strategies, selected with Config.Name.
const (
	Constant           = "constant"
	StepDecay          = "step"
	MultiStepDecay     = "multistep"
	ExponentialDecay   = "exponential"
	Cosine             = "cosine"
	CosineWarmRestarts = "warmup_cosine_restarts"
)

// knownSchedules is used to validate the strategy name at build time.
var knownSchedules = map[string]bool{
	Constant:           true,
	StepDecay:          true,
	MultiStepDecay:     true,
	ExponentialDecay:   true,
	Cosine:             true,
	CosineWarmRestarts: true,
}

// Config of a Schedule under construction. Create it with New, set the
// options and call Done.
type Config struct {
	numBatchesPerEpoch int

	name                string
	learningRate, minLR float64
	warmupEpochs        int
	warmupFactor        float64
	decayEpochs         int
	decayRate           float64
	milestones          []int
	numEpochs           int
	numCycles           int
	cycleDecay          float64
}

// New starts the configuration of a Schedule for a run with the given number
// of batches (optimizer steps) per epoch.
//
// Defaults: constant strategy, warmup disabled, DecayEpochs=10, DecayRate=0.9,
// NumCycles=1, CycleDecay=1.0.
func New(numBatchesPerEpoch int) *Config {
	return &Config{
		numBatchesPerEpoch: numBatchesPerEpoch,
		name:               Constant,
		warmupFactor:       0.01,
		decayEpochs:        10,
		decayRate:          0.9,
		numCycles:          1,
		cycleDecay:         1.0,
	}
}

// Name selects the decay strategy. See the package constants for valid values.
func (c *Config) Name(name string) *Config { c.name = name; return c }

// LearningRate sets the base learning rate, the value reached at the end of
// warmup. Required.
func (c *Config) LearningRate(lr float64) *Config { c.learningRate = lr; return c }

// MinLearningRate sets the floor the decaying strategies approach. Default 0.
func (c *Config) MinLearningRate(minLR float64) *Config { c.minLR = minLR; return c }

// WarmupEpochs sets how many epochs the learning rate linearly ramps from
// WarmupFactor*LearningRate to LearningRate. Applied uniformly, whichever
// decay strategy is selected. Default 0 (no warmup).
func (c *Config) WarmupEpochs(epochs int) *Config { c.warmupEpochs = epochs; return c }

// WarmupFactor sets the starting fraction of the base learning rate during
// warmup. Default 0.01.
func (c *Config) WarmupFactor(factor float64) *Config { c.warmupFactor = factor; return c }

// DecayEpochs sets the period, in epochs, of the step and exponential
// strategies, and the length of the decay for cosine.
func (c *Config) DecayEpochs(epochs int) *Config { c.decayEpochs = epochs; return c }

// DecayRate sets the multiplicative decay used by the step, multistep and
// exponential strategies.
func (c *Config) DecayRate(rate float64) *Config { c.decayRate = rate; return c }

// Milestones sets the epochs at which the multistep strategy decays the
// learning rate by DecayRate. Must be ascending.
func (c *Config) Milestones(epochs []int) *Config { c.milestones = epochs; return c }

// NumEpochs sets the total number of training epochs; required by the cosine
// strategies to size their cycles.
func (c *Config) NumEpochs(epochs int) *Config { c.numEpochs = epochs; return c }

// NumCycles sets the number of cosine warm-restart cycles. Default 1.
func (c *Config) NumCycles(cycles int) *Config { c.numCycles = cycles; return c }

// CycleDecay multiplies the peak learning rate of each successive warm-restart
// cycle. Default 1.0 (no decay across cycles).
func (c *Config) CycleDecay(decay float64) *Config { c.cycleDecay = decay; return c }

// Done validates the configuration and builds the immutable Schedule.
func (c *Config) Done() (*Schedule, error) {
	if !knownSchedules[c.name] {
		return nil, errors.Errorf("unknown schedule %q, valid values are %v", c.name, maps.Keys(knownSchedules))
	}
	if c.numBatchesPerEpoch < 1 {
		return nil, errors.Errorf("schedule requires numBatchesPerEpoch >= 1, got %d", c.numBatchesPerEpoch)
	}
	if c.learningRate <= 0 {
		return nil, errors.Errorf("schedule requires a positive learning rate, got %g", c.learningRate)
	}
	if c.minLR < 0 || c.minLR > c.learningRate {
		return nil, errors.Errorf("min learning rate %g must be in [0, %g]", c.minLR, c.learningRate)
	}
	if c.warmupEpochs < 0 || c.warmupFactor < 0 || c.warmupFactor > 1 {
		return nil, errors.Errorf("invalid warmup: epochs=%d factor=%g", c.warmupEpochs, c.warmupFactor)
	}
	if c.name == StepDecay || c.name == ExponentialDecay {
		if c.decayEpochs < 1 {
			return nil, errors.Errorf("schedule %q requires DecayEpochs >= 1, got %d", c.name, c.decayEpochs)
		}
	}
	if c.name == MultiStepDecay && !sort.IntsAreSorted(c.milestones) {
		return nil, errors.Errorf("schedule %q requires ascending milestones, got %v", c.name, c.milestones)
	}
	if c.name == Cosine || c.name == CosineWarmRestarts {
		if c.numEpochs <= c.warmupEpochs {
			return nil, errors.Errorf("schedule %q requires NumEpochs (%d) > WarmupEpochs (%d)", c.name, c.numEpochs, c.warmupEpochs)
		}
	}
	if c.name == CosineWarmRestarts && c.numCycles < 1 {
		return nil, errors.Errorf("schedule %q requires NumCycles >= 1, got %d", c.name, c.numCycles)
	}
	cfg := *c
	cfg.milestones = append([]int(nil), c.milestones...)
	return &Schedule{cfg: cfg}, nil
}

// Schedule maps a global step to a learning rate. Safe for concurrent use;
// stateless except for the step fed to it.
type Schedule struct {
	cfg Config
}

// LearningRateAt returns the learning rate for the given global step -- the
// count of applied optimizer updates, not of batches seen.
func (s *Schedule) LearningRateAt(step int64) float64 {
	cfg := &s.cfg
	warmupSteps := int64(cfg.warmupEpochs) * int64(cfg.numBatchesPerEpoch)
	if step < warmupSteps {
		frac := float64(step) / float64(warmupSteps)
		return cfg.learningRate * (cfg.warmupFactor + (1-cfg.warmupFactor)*frac)
	}

	// Epoch position, counted from the start of the run (stair-based
	// strategies) or from the end of warmup (continuous ones).
	epoch := int(step / int64(cfg.numBatchesPerEpoch))
	decayStep := step - warmupSteps

	switch cfg.name {
	case Constant:
		return cfg.learningRate

	case StepDecay:
		power := epoch / cfg.decayEpochs
		return s.floored(cfg.learningRate * math.Pow(cfg.decayRate, float64(power)))

	case MultiStepDecay:
		power := sort.SearchInts(cfg.milestones, epoch+1)
		return s.floored(cfg.learningRate * math.Pow(cfg.decayRate, float64(power)))

	case ExponentialDecay:
		epochFrac := float64(decayStep) / float64(cfg.numBatchesPerEpoch)
		return s.floored(cfg.learningRate * math.Pow(cfg.decayRate, epochFrac/float64(cfg.decayEpochs)))

	case Cosine:
		total := int64(cfg.numEpochs-cfg.warmupEpochs) * int64(cfg.numBatchesPerEpoch)
		frac := math.Min(float64(decayStep)/float64(total), 1.0)
		return s.cosineBetween(cfg.learningRate, frac)

	case CosineWarmRestarts:
		total := int64(cfg.numEpochs-cfg.warmupEpochs) * int64(cfg.numBatchesPerEpoch)
		cycleLen := total / int64(cfg.numCycles)
		if cycleLen < 1 {
			cycleLen = 1
		}
		cycle := decayStep / cycleLen
		if cycle >= int64(cfg.numCycles) {
			cycle = int64(cfg.numCycles) - 1
		}
		peak := cfg.learningRate * math.Pow(cfg.cycleDecay, float64(cycle))
		if peak < cfg.minLR {
			peak = cfg.minLR
		}
		frac := math.Min(float64(decayStep-cycle*cycleLen)/float64(cycleLen), 1.0)
		return s.cosineBetween(peak, frac)
	}
	return cfg.learningRate // Unreachable: names are validated at Done().
}

// cosineBetween returns the cosine interpolation from peak down to the
// configured minimum, at fraction frac in [0, 1] of the cycle.
func (s *Schedule) cosineBetween(peak, frac float64) float64 {
	return s.cfg.minLR + 0.5*(peak-s.cfg.minLR)*(1+math.Cos(math.Pi*frac))
}

func (s *Schedule) floored(lr float64) float64 {
	if lr < s.cfg.minLR {
		return s.cfg.minLR
	}
	return lr
}
