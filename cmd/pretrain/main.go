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

// pretrain runs a resumable, optionally multi-process training job on the
// built-in linear regression workload: sharded data, learning-rate schedule,
// loss scaling, gradient accumulation, EMA, bounded checkpoint retention and
// best tracking.
//
// Multi-process mode is enabled with -distribute; rank, world size and the
// coordinator address come from the PRETRAIN_RANK, PRETRAIN_WORLD_SIZE and
// PRETRAIN_COORDINATOR_ADDR environment variables set by the launcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pretrain/checkpoints"
	"github.com/gomlx/pretrain/data"
	"github.com/gomlx/pretrain/distributed"
	"github.com/gomlx/pretrain/summary"
	"github.com/gomlx/pretrain/train"
	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/gomlx/pretrain/train/schedules"
	"k8s.io/klog/v2"
)

var (
	flagModel      = flag.String("model", "linear", "Model name, encoded into checkpoint artifact names.")
	flagDistribute = flag.Bool("distribute", false, "Enable multi-worker mode; rank and world size are read from the environment.")
	flagEpochSize  = flag.Int("epoch_size", 10, "Number of epochs to train.")
	flagNumSamples = flag.Int("num_samples", 1024, "Number of synthetic samples per epoch, before sharding.")
	flagBatchSize  = flag.Int("batch_size", 32, "Micro-batch size.")
	flagFeatureDim = flag.Int("feature_dim", 8, "Feature dimension of the synthetic regression problem.")
	flagSeed       = flag.Int64("seed", 42, "Seed for the synthetic dataset and the per-epoch shuffle.")
	flagShuffle    = flag.Bool("shuffle", true, "Reshuffle the training shard every epoch.")

	flagOpt          = flag.String("opt", "momentum", "Optimizer name: sgd, momentum, adam or adamw.")
	flagMomentum     = flag.Float64("momentum", 0.9, "Momentum for the sgd/momentum optimizers.")
	flagWeightDecay  = flag.Float64("weight_decay", 0, "Weight decay; decoupled for adamw.")
	flagScheduler    = flag.String("scheduler", "cosine", "Learning rate schedule: constant, step, multistep, exponential, cosine or warmup_cosine_restarts.")
	flagLR           = flag.Float64("lr", 0.01, "Base learning rate.")
	flagMinLR        = flag.Float64("min_lr", 0, "Learning rate floor after decay.")
	flagWarmupEpochs = flag.Int("warmup_epochs", 0, "Epochs of linear learning-rate warmup.")
	flagWarmupFactor = flag.Float64("warmup_factor", 0.01, "Warmup starts at warmup_factor*lr.")
	flagDecayEpochs  = flag.Int("decay_epochs", 10, "Epochs between decays for the step/exponential schedules.")
	flagDecayRate    = flag.Float64("decay_rate", 0.9, "Multiplicative decay rate.")
	flagMilestones   = flag.String("milestones", "", "Comma-separated epoch milestones for the multistep schedule.")
	flagNumCycles    = flag.Int("num_cycles", 1, "Number of cycles for warmup_cosine_restarts.")
	flagCycleDecay   = flag.Float64("cycle_decay", 1.0, "Per-cycle peak decay for warmup_cosine_restarts.")

	flagLossScaleType = flag.String("loss_scale_type", "fixed", "Loss scaling: fixed or dynamic.")
	flagLossScale     = flag.Float64("loss_scale", 1, "Initial (or fixed) loss scale, >= 1.")
	flagDropOverflow  = flag.Bool("drop_overflow_update", true, "Skip updates whose gradients overflowed instead of applying them.")
	flagGradAccum     = flag.Int("gradient_accumulation_steps", 1, "Micro-batches accumulated per applied update.")
	flagEMA           = flag.Bool("ema", false, "Maintain an exponential moving average of the parameters.")
	flagEMADecay      = flag.Float64("ema_decay", 0.9999, "EMA decay factor.")
	flagClipGrad      = flag.Bool("clip_grad", false, "Clip gradients by global norm.")
	flagClipValue     = flag.Float64("clip_value", 15.0, "Global-norm clip value.")

	flagCkptDir          = flag.String("ckpt_dir", "./ckpt", "Directory for checkpoint artifacts and the metrics summary.")
	flagCkptSavePolicy   = flag.String("ckpt_save_policy", "interval", "Checkpoint save policy: interval, top_k or latest_k.")
	flagCkptSaveInterval = flag.Int("ckpt_save_interval", 1, "Epochs between saves for the interval policy.")
	flagKeepCkptMax      = flag.Int("keep_checkpoint_max", 10, "Maximum number of retained checkpoints.")
	flagValWhileTrain    = flag.Bool("val_while_train", false, "Run validation during training.")
	flagValInterval      = flag.Int("val_interval", 1, "Epochs between validation passes.")
	flagResume           = flag.String("resume", "", "Checkpoint data file to resume from; empty starts fresh.")
	flagLogInterval      = flag.Int("log_interval", 100, "Micro-batch steps between progress logs.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := &train.RunConfig{
		Model:                 *flagModel,
		NumEpochs:             *flagEpochSize,
		NumSamples:            *flagNumSamples,
		BatchSize:             *flagBatchSize,
		Distribute:            *flagDistribute,
		Optimizer:             *flagOpt,
		Momentum:              *flagMomentum,
		WeightDecay:           *flagWeightDecay,
		Scheduler:             *flagScheduler,
		LearningRate:          *flagLR,
		MinLearningRate:       *flagMinLR,
		WarmupEpochs:          *flagWarmupEpochs,
		WarmupFactor:          *flagWarmupFactor,
		DecayEpochs:           *flagDecayEpochs,
		DecayRate:             *flagDecayRate,
		NumCycles:             *flagNumCycles,
		CycleDecay:            *flagCycleDecay,
		LossScaleType:         *flagLossScaleType,
		LossScale:             *flagLossScale,
		DropOverflowUpdate:    *flagDropOverflow,
		GradAccumulationSteps: *flagGradAccum,
		EMA:                   *flagEMA,
		EMADecay:              *flagEMADecay,
		ClipGrad:              *flagClipGrad,
		ClipValue:             *flagClipValue,
		CkptDir:               *flagCkptDir,
		CkptSavePolicy:        *flagCkptSavePolicy,
		CkptSaveInterval:      *flagCkptSaveInterval,
		KeepCheckpointMax:     *flagKeepCkptMax,
		ValWhileTrain:         *flagValWhileTrain,
		ValInterval:           *flagValInterval,
		Resume:                *flagResume,
		LogInterval:           *flagLogInterval,
	}
	if *flagMilestones != "" {
		milestones, err := parseMilestones(*flagMilestones)
		if err != nil {
			klog.Exitf("Invalid -milestones: %v", err)
		}
		cfg.Milestones = milestones
	}
	if err := cfg.Validate(); err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}
	if err := run(cfg); err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
}

func parseMilestones(list string) ([]int, error) {
	parts := strings.Split(list, ",")
	milestones := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, value)
	}
	return milestones, nil
}

func run(cfg *train.RunConfig) error {
	dctx := distributed.Single()
	if cfg.Distribute {
		var err error
		dctx, err = distributed.FromEnv()
		if err != nil {
			return err
		}
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	reducer, err := distributed.NewReducer(setupCtx, dctx)
	if err != nil {
		return err
	}
	defer func() { _ = reducer.Close() }()

	// Every rank generates the identical dataset and takes its own shard.
	ds, err := data.NewInMemoryDataset("synthetic", syntheticSamples(cfg.NumSamples, *flagFeatureDim, *flagSeed), cfg.BatchSize)
	if err != nil {
		return err
	}
	if *flagShuffle {
		ds = ds.WithShuffle(*flagSeed)
	}
	shard, err := ds.Shard(dctx)
	if err != nil {
		return err
	}
	totalSamples, err := reducer.AllReduceSum(setupCtx, float64(shard.NumSamples()))
	if err != nil {
		return err
	}

	model := newLinearModel(cfg.Model, *flagFeatureDim)
	schedule, err := buildSchedule(cfg, shard.NumBatches())
	if err != nil {
		return err
	}
	optimizer, err := buildOptimizer(cfg)
	if err != nil {
		return err
	}
	scaler, err := optimizers.NewLossScaler(cfg.LossScaleType, cfg.LossScale)
	if err != nil {
		return err
	}
	updaterConfig := optimizers.NewUpdater(optimizer, schedule, model.Parameters()).
		GradAccumulationSteps(cfg.GradAccumulationSteps).
		LossScaler(scaler).
		DropOverflowUpdate(cfg.DropOverflowUpdate)
	if cfg.EMA {
		updaterConfig = updaterConfig.EMA(cfg.EMADecay)
	}
	if cfg.ClipGrad {
		updaterConfig = updaterConfig.ClipGlobalNorm(cfg.ClipValue)
	}
	updater, err := updaterConfig.Done()
	if err != nil {
		return err
	}

	// Every rank reads checkpoints; only the coordinator ever writes them.
	handlerConfig := checkpoints.Build(cfg.CkptDir).Model(cfg.Model).Keep(cfg.KeepCheckpointMax)
	if cfg.ValWhileTrain {
		handlerConfig = handlerConfig.TrackBest(false) // Validation loss: lower is better.
	}
	handler, err := handlerConfig.Done()
	if err != nil {
		return err
	}

	startEpoch := 0
	if cfg.Resume != "" {
		startEpoch, err = resume(cfg, handler, model, updater)
		if err != nil {
			return err
		}
	}

	trainer := train.NewTrainer(model, updater)
	loop := train.NewLoop(trainer)

	var writer *summary.Writer
	if dctx.IsCoordinator() {
		writer, err = summary.NewWriterInDir(cfg.CkptDir)
		if err != nil {
			return err
		}
		defer func() { _ = writer.Close() }()
	}

	monitorConfig := train.NewMonitor(dctx, handler).
		Policy(cfg.CkptSavePolicy).
		SaveInterval(cfg.CkptSaveInterval).
		LogEveryNSteps(cfg.LogInterval).
		StartEpoch(startEpoch).
		Summary(writer)
	if cfg.ValWhileTrain {
		valSamples := syntheticSamples(cfg.NumSamples/4+cfg.BatchSize, *flagFeatureDim, *flagSeed+1)
		valDs, err := data.NewInMemoryDataset("validation", valSamples, cfg.BatchSize)
		if err != nil {
			return err
		}
		validator := train.ValidatorFunc{Name: "validation loss", Fn: func() (float64, error) {
			return model.meanLossOn(valDs)
		}}
		monitorConfig = monitorConfig.Validation(validator, cfg.ValInterval)
	}
	monitor, err := monitorConfig.Done()
	if err != nil {
		return err
	}
	monitor.AttachTo(loop)
	train.AttachProgressBar(loop, dctx)

	if dctx.IsCoordinator() {
		klog.Infof("model %q: %s devices, %s samples (%s local), %d batches/epoch, optimizer %q, scheduler %q (lr=%g)",
			cfg.Model, humanize.Comma(int64(dctx.NumDevices())), humanize.Comma(int64(totalSamples)),
			humanize.Comma(int64(shard.NumSamples())), shard.NumBatches(), cfg.Optimizer, cfg.Scheduler, cfg.LearningRate)
		if startEpoch > 0 {
			klog.Infof("resumed from %q at epoch %d, global step %d", cfg.Resume, startEpoch, updater.GlobalStep())
		}
	}

	if _, err := loop.RunEpochs(shard, cfg.NumEpochs); err != nil {
		return err
	}

	if dctx.IsCoordinator() {
		points, err := summary.LoadPointsFromDir(cfg.CkptDir)
		if err == nil && len(points) > 0 {
			fmt.Println(summary.Report(points))
		}
	}
	return nil
}

// resume restores the model parameters and the optimizer wrapper state from
// the given checkpoint, returning the epoch training restarts after.
func resume(cfg *train.RunConfig, handler *checkpoints.Handler, model *linearModel, updater *optimizers.Updater) (int, error) {
	params, ema, record, err := handler.Load(cfg.Resume)
	if err != nil {
		return 0, err
	}
	if err := copyParameters(model.Parameters(), params); err != nil {
		return 0, err
	}
	state, err := handler.LoadOptimizerState()
	if err != nil {
		return 0, err
	}
	if state == nil {
		// No optimizer-state artifact: restart the moments from scratch but
		// keep the step counter and loss scale recorded with the weights.
		state = &optimizers.State{GlobalStep: record.GlobalStep, LossScale: record.LossScale}
	}
	state.EMA = ema
	if err := updater.Restore(state); err != nil {
		return 0, err
	}
	return record.Epoch, nil
}

func copyParameters(dst, src [][]float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("checkpoint holds %d parameter tensors, model has %d", len(src), len(dst))
	}
	for ii := range dst {
		if len(dst[ii]) != len(src[ii]) {
			return fmt.Errorf("checkpoint parameter #%d has %d values, model expects %d", ii, len(src[ii]), len(dst[ii]))
		}
		copy(dst[ii], src[ii])
	}
	return nil
}

func buildSchedule(cfg *train.RunConfig, numBatchesPerEpoch int) (*schedules.Schedule, error) {
	return schedules.New(numBatchesPerEpoch).
		Name(cfg.Scheduler).
		LearningRate(cfg.LearningRate).
		MinLearningRate(cfg.MinLearningRate).
		WarmupEpochs(cfg.WarmupEpochs).
		WarmupFactor(cfg.WarmupFactor).
		DecayEpochs(cfg.DecayEpochs).
		DecayRate(cfg.DecayRate).
		Milestones(cfg.Milestones).
		NumEpochs(cfg.NumEpochs).
		NumCycles(cfg.NumCycles).
		CycleDecay(cfg.CycleDecay).
		Done()
}

func buildOptimizer(cfg *train.RunConfig) (optimizers.Interface, error) {
	switch cfg.Optimizer {
	case "sgd":
		return optimizers.SGD().WeightDecay(cfg.WeightDecay).Done(), nil
	case "momentum":
		return optimizers.SGD().Momentum(cfg.Momentum).WeightDecay(cfg.WeightDecay).Done(), nil
	case "adam":
		return optimizers.Adam().Done(), nil
	case "adamw":
		return optimizers.Adam().WeightDecay(cfg.WeightDecay).Done(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}
