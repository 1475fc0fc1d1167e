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
	"github.com/gomlx/pretrain/checkpoints"
	"github.com/gomlx/pretrain/distributed"
	"github.com/gomlx/pretrain/summary"
	"github.com/gomlx/pretrain/train/metrics"
	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint save policies.
const (
	// SavePolicyInterval saves every SaveInterval epochs.
	SavePolicyInterval = "interval"

	// SavePolicyTopK saves only when the validation metric improves on the
	// best seen so far. Requires validation to be configured.
	SavePolicyTopK = "top_k"

	// SavePolicyLatestK saves every epoch; retention keeps the most recent.
	SavePolicyLatestK = "latest_k"
)

// KnownSavePolicies lists the accepted values for MonitorConfig.Policy.
var KnownSavePolicies = []string{SavePolicyInterval, SavePolicyTopK, SavePolicyLatestK}

// MonitorConfig is created with NewMonitor and once configured, call Done to
// get the Monitor. Monitor observes the training loop through hooks: it logs
// progress, runs validation at epoch boundaries and decides when checkpoints
// are persisted.
type MonitorConfig struct {
	dctx    *distributed.Context
	handler *checkpoints.Handler

	policy       string
	saveInterval int
	valInterval  int
	logSteps     int
	startEpoch   int

	validator Validator
	writer    *summary.Writer

	err error
}

// NewMonitor configures the training state monitor. Persistence (and all
// logging) is gated on dctx.IsCoordinator(); handler may be nil on
// non-coordinator ranks.
//
// Defaults: the "interval" policy saving every epoch, logging every 100
// micro-batch steps, no validation.
func NewMonitor(dctx *distributed.Context, handler *checkpoints.Handler) *MonitorConfig {
	c := &MonitorConfig{
		dctx:         dctx,
		handler:      handler,
		policy:       SavePolicyInterval,
		saveInterval: 1,
		valInterval:  1,
		logSteps:     100,
	}
	if dctx.IsCoordinator() && handler == nil {
		c.err = errors.Errorf("NewMonitor: coordinator rank requires a checkpoints.Handler")
	}
	return c
}

// Policy sets the checkpoint save policy, one of KnownSavePolicies.
func (c *MonitorConfig) Policy(policy string) *MonitorConfig {
	found := false
	for _, known := range KnownSavePolicies {
		if policy == known {
			found = true
			break
		}
	}
	if !found && c.err == nil {
		c.err = errors.Errorf("MonitorConfig.Policy: unknown save policy %q, valid values are %v", policy, KnownSavePolicies)
	}
	c.policy = policy
	return c
}

// SaveInterval sets, for the "interval" policy, how many epochs apart
// checkpoints are saved. Ignored by the other policies.
func (c *MonitorConfig) SaveInterval(epochs int) *MonitorConfig {
	if epochs < 1 && c.err == nil {
		c.err = errors.Errorf("MonitorConfig.SaveInterval: interval must be >= 1, got %d", epochs)
	}
	c.saveInterval = epochs
	return c
}

// Validation enables the validation pass, run at the end of every
// `everyNEpochs` epochs on all ranks.
func (c *MonitorConfig) Validation(validator Validator, everyNEpochs int) *MonitorConfig {
	if everyNEpochs < 1 && c.err == nil {
		c.err = errors.Errorf("MonitorConfig.Validation: interval must be >= 1, got %d", everyNEpochs)
	}
	c.validator = validator
	c.valInterval = everyNEpochs
	return c
}

// LogEveryNSteps sets how often (in micro-batch steps) the coordinator logs
// and records progress.
func (c *MonitorConfig) LogEveryNSteps(steps int) *MonitorConfig {
	if steps < 1 && c.err == nil {
		c.err = errors.Errorf("MonitorConfig.LogEveryNSteps: steps must be >= 1, got %d", steps)
	}
	c.logSteps = steps
	return c
}

// Summary sets the metric points sink. Only the coordinator writes to it.
func (c *MonitorConfig) Summary(writer *summary.Writer) *MonitorConfig {
	c.writer = writer
	return c
}

// StartEpoch offsets epoch numbering for resumed runs: the epoch recorded in
// the checkpoint training restarted from.
func (c *MonitorConfig) StartEpoch(epoch int) *MonitorConfig {
	if epoch < 0 && c.err == nil {
		c.err = errors.Errorf("MonitorConfig.StartEpoch: epoch must be >= 0, got %d", epoch)
	}
	c.startEpoch = epoch
	return c
}

// Done validates the configuration and returns the Monitor.
//
// A top_k policy without validation configured is rejected here, before any
// training step runs: the policy compares validation metrics, so the
// combination can never save a checkpoint.
func (c *MonitorConfig) Done() (*Monitor, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.policy == SavePolicyTopK && c.validator == nil {
		return nil, errors.Errorf(
			"MonitorConfig: save policy %q requires validation, configure it with MonitorConfig.Validation", SavePolicyTopK)
	}
	return &Monitor{config: c, meanLoss: metrics.NewMeanLoss()}, nil
}

// Monitor observes the training loop: progress logging, epoch-boundary
// validation, checkpoint persistence and best tracking. Create it with
// NewMonitor and attach it to a loop with AttachTo.
type Monitor struct {
	config   *MonitorConfig
	meanLoss *metrics.Mean

	// lastMetric holds the most recent validation result, if any.
	lastMetric *float64

	// lastRecord is the most recently persisted checkpoint record.
	lastRecord *checkpoints.Record
}

// AttachTo registers the monitor's hooks on the loop.
func (m *Monitor) AttachTo(loop *Loop) {
	loop.OnStep("monitor: accumulate loss", 0, m.onStep)
	EveryNSteps(loop, m.config.logSteps, "monitor: progress", 10, m.logProgress)
	loop.OnEpochEnd("monitor: epoch end", 50, m.onEpochEnd)
	loop.OnEnd("monitor: final report", 100, m.onEnd)
}

// LastRecord returns the most recently persisted checkpoint record, or nil.
func (m *Monitor) LastRecord() *checkpoints.Record { return m.lastRecord }

// LastValidationMetric returns the most recent validation result, or nil if
// validation has not run yet.
func (m *Monitor) LastValidationMetric() *float64 { return m.lastMetric }

func (m *Monitor) onStep(loop *Loop, loss float64, outcome optimizers.Outcome) error {
	if outcome == optimizers.Skipped {
		// The skipped batch contributed no update; its loss is garbage.
		return nil
	}
	m.meanLoss.Update(loss, 1)
	return nil
}

func (m *Monitor) logProgress(loop *Loop, loss float64, outcome optimizers.Outcome) error {
	if !m.config.dctx.IsCoordinator() {
		return nil
	}
	updater := loop.Trainer.Updater()
	klog.Infof("step %d (batch %d): loss=%.6f lr=%.3g scale=%g skipped=%d",
		updater.GlobalStep(), loop.LoopStep, m.meanLoss.Value(),
		updater.LastLearningRate(), updater.LossScale(), updater.SkippedSteps())
	return m.writePoints(updater)
}

func (m *Monitor) writePoints(updater *optimizers.Updater) error {
	if m.config.writer == nil {
		return nil
	}
	step := float64(updater.GlobalStep())
	points := []summary.Point{
		{MetricName: m.meanLoss.Name(), Short: m.meanLoss.ShortName(), MetricType: "loss", Step: step, Value: m.meanLoss.Value()},
		{MetricName: "Learning Rate", Short: "lr", MetricType: "lr", Step: step, Value: updater.LastLearningRate()},
		{MetricName: "Loss Scale", Short: "scale", MetricType: "scale", Step: step, Value: updater.LossScale()},
	}
	for _, point := range points {
		if err := m.config.writer.Write(point); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) onEpochEnd(loop *Loop) error {
	epoch := m.config.startEpoch + loop.Epoch + 1
	updater := loop.Trainer.Updater()

	// Validation runs on every rank: the validator may involve collectives.
	var metric *float64
	if m.config.validator != nil && epoch%m.config.valInterval == 0 {
		value, err := m.config.validator.Validate()
		if err != nil {
			return errors.WithMessagef(err, "validation at epoch %d", epoch)
		}
		metric = &value
		m.lastMetric = metric
		if m.config.dctx.IsCoordinator() {
			klog.Infof("epoch %d: %s=%.6f", epoch, m.config.validator.MetricName(), value)
			if m.config.writer != nil {
				err := m.config.writer.Write(summary.Point{
					MetricName: m.config.validator.MetricName(),
					Short:      m.config.validator.MetricName(),
					MetricType: "metric",
					Step:       float64(updater.GlobalStep()),
					Value:      value,
				})
				if err != nil {
					return err
				}
			}
		}
	}

	if m.config.dctx.IsCoordinator() && m.shouldSave(epoch, metric) {
		if err := m.save(loop, epoch, metric); err != nil {
			return err
		}
	}
	m.meanLoss.Reset()
	return nil
}

// shouldSave decides whether this epoch boundary persists a checkpoint.
func (m *Monitor) shouldSave(epoch int, metric *float64) bool {
	switch m.config.policy {
	case SavePolicyLatestK:
		return true
	case SavePolicyTopK:
		return metric != nil && m.config.handler.Improves(*metric)
	default: // SavePolicyInterval
		return epoch%m.config.saveInterval == 0
	}
}

func (m *Monitor) save(loop *Loop, epoch int, metric *float64) error {
	updater := loop.Trainer.Updater()
	snapshot := &checkpoints.Snapshot{
		Epoch:            epoch,
		Params:           loop.Trainer.Model().Parameters(),
		EMA:              updater.EMAParameters(),
		State:            updater.State(),
		ValidationMetric: metric,
	}
	record, err := m.config.handler.Save(snapshot)
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint at epoch %d", epoch)
	}
	if err := m.config.handler.SaveOptimizerState(snapshot.State); err != nil {
		return errors.WithMessagef(err, "saving optimizer state at epoch %d", epoch)
	}
	m.lastRecord = record
	klog.Infof("epoch %d: saved checkpoint %q (global step %d)", epoch, record.FileName, record.GlobalStep)
	return nil
}

func (m *Monitor) onEnd(loop *Loop, loss float64) error {
	if !m.config.dctx.IsCoordinator() {
		return nil
	}
	updater := loop.Trainer.Updater()
	klog.Infof("training done: %d applied updates, %d skipped, final loss=%.6f (median step %s)",
		updater.GlobalStep(), updater.SkippedSteps(), loss, loop.MedianTrainStepDuration())
	if best := m.config.handler.Best(); best != nil {
		klog.Infof("best checkpoint: %q (epoch %d, metric %.6f)", best.FileName, best.Epoch, *best.ValidationMetric)
	}
	return nil
}
