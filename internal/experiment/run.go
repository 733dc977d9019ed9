// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package experiment runs a metric learning experiment: it resolves the configuration into the
// network, criterion, optimizer and scheduler, then trains and evaluates the model epoch by epoch,
// logging the metrics and checkpoints to the run directory.
//
// A run directory that already holds checkpoints is resumed from the epoch after the last one
// logged.
package experiment

import (
	"fmt"
	"github.com/janpfeifer/must"
	"io"
	"math"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/criteria"
	"github.com/gomlx/smoothap/internal/dataset"
	"github.com/gomlx/smoothap/internal/evaluation"
	"github.com/gomlx/smoothap/internal/network"
	"github.com/gomlx/smoothap/internal/optim"
	"github.com/gomlx/smoothap/internal/runlog"
	"github.com/gomlx/smoothap/internal/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// GradientsDir is the subdirectory of the run where the gradient norms are dumped.
	GradientsDir = "gradients"

	// DistancesFile is the file of the run where the class distance ratios are written.
	DistancesFile = "distances.csv"
)

// Backend used by Run. If nil, one is created from Config.Backend (or the GOMLX_BACKEND
// environment variable) on the first call.
var Backend backends.Backend

// Outcome of a run.
type Outcome struct {
	// Dir is the run directory.
	Dir string

	// FirstEpoch is the first epoch run by this call: larger than 0 when resuming.
	FirstEpoch int

	// Last is the result of the last evaluation.
	Last *evaluation.Result

	// BestEpoch and BestRecall are the epoch with the highest Recall at the first K of
	// Config.RecallK, including the epochs logged by previous runs. BestEpoch is -1 if the model
	// was never evaluated after training.
	BestEpoch  int
	BestRecall float64
}

// components resolved from the configuration, before any data is read.
type components struct {
	net       *network.Network
	criterion criteria.Criterion
	optimizer optim.Interface
	scheduler optim.Scheduler
}

func resolve(cfg config.Config) (c components, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	if c.net, err = network.New(cfg); err != nil {
		return
	}
	var groups []optim.Group
	if c.criterion, groups, err = criteria.Select(cfg, c.net.Groups()); err != nil {
		return
	}
	if c.optimizer, err = optim.New(cfg.Optimizer, groups); err != nil {
		return
	}
	c.scheduler, err = optim.NewScheduler(cfg.Scheduler, cfg.Gamma, cfg.Milestones)
	return
}

// datasets of a run.
type datasets struct {
	train, evaluation, query, gallery *dataset.Dataset
}

func loadDatasets(cfg config.Config) (ds datasets, err error) {
	collection, err := dataset.Scan(cfg.DatasetDir())
	if err != nil {
		return
	}
	klog.Infof("Dataset %q: %d classes, %d train, %d query and %d gallery images", cfg.Dataset,
		len(collection.Classes), len(collection.Train), len(collection.Query), len(collection.Gallery))
	if ds.train, err = dataset.New(collection, dataset.Training, cfg); err != nil {
		return
	}
	if cfg.DistMeasure {
		if ds.evaluation, err = dataset.New(collection, dataset.Evaluation, cfg); err != nil {
			return
		}
	}
	if ds.query, err = dataset.New(collection, dataset.Query, cfg); err != nil {
		return
	}
	ds.gallery, err = dataset.New(collection, dataset.Gallery, cfg)
	return
}

// newBackend returns Backend, creating it if needed.
func newBackend(cfg config.Config) (backends.Backend, error) {
	if Backend != nil {
		return Backend, nil
	}
	var err error
	if cfg.Backend != "" {
		Backend, err = backends.NewWithConfig(cfg.Backend)
	} else {
		Backend, err = backends.New()
	}
	if err != nil {
		Backend = nil
		return nil, errors.WithMessage(err, "creating backend")
	}
	klog.Infof("Backend %q: %s", Backend.Name(), Backend.Description())
	return Backend, nil
}

// Run the experiment configured by cfg. Progress and reports are written to out.
//
// Configuration errors are returned before any dataset is read or backend created. With
// Config.EvalOnly the model is evaluated once and nothing is written to the run directory.
func Run(cfg config.Config, out io.Writer) (*Outcome, error) {
	cfg = cfg.Clone()
	comp, err := resolve(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "configuration")
	}
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(cfg.Seed))
	ctx.SetParams(network.DefaultParams())
	ctx.SetParams(cfg.Params())
	paramsSet, err := commandline.ParseContextSettings(ctx, cfg.ContextSettings)
	if err != nil {
		return nil, errors.WithMessage(err, "configuration")
	}

	data, err := loadDatasets(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "dataset")
	}

	// Run directory, with the logs and the checkpoints. The hyperparameters of the configuration
	// are not restored from checkpoints: the ones given now are used.
	outcome := &Outcome{Dir: cfg.OutputDir(), BestEpoch: -1, BestRecall: math.Inf(-1)}
	excludeParams := append(paramsSet, xslices.SortedKeys(cfg.Params())...)
	valNames := evaluation.MetricNames(cfg.RecallK)
	if cfg.EvalOnly {
		return evaluateOnly(cfg, comp, ctx, excludeParams, data, outcome, valNames, out)
	}
	logger, err := runlog.New(outcome.Dir, map[runlog.Split][]string{
		runlog.Train: trainer.MetricNames(),
		runlog.Val:   valNames,
	}, describe(cfg, ctx, paramsSet))
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			klog.Errorf("Closing logs: %+v", closeErr)
		}
	}()
	ckpts, err := runlog.NewCheckpoints(ctx, outcome.Dir, cfg.NumCheckpoints, excludeParams...)
	if err != nil {
		return nil, err
	}
	if err = initialize(cfg, comp.net, ctx); err != nil {
		return nil, err
	}

	lastEpoch, found, err := logger.LastEpoch(runlog.Train)
	if err != nil {
		return nil, err
	}
	switch {
	case found && ckpts.Resumed():
		outcome.FirstEpoch = lastEpoch + 1
		klog.Infof("Resuming %q at epoch %d", outcome.Dir, outcome.FirstEpoch)
	case found:
		klog.Warningf("Logs in %q go up to epoch %d, but there is no checkpoint: restarting from epoch 0",
			outcome.Dir, lastEpoch)
	}
	recallName := evaluation.RecallName(cfg.RecallK[0])
	bestEpoch, bestRecall, found, err := logger.Best(runlog.Val, recallName)
	if err != nil {
		return nil, err
	}
	if found && ckpts.Resumed() {
		outcome.BestEpoch, outcome.BestRecall = bestEpoch, bestRecall
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	evaluator, err := evaluation.New(backend, ctx, comp.net, cfg)
	if err != nil {
		return nil, err
	}

	tr := trainer.New(backend, ctx, comp.net, comp.criterion, comp.optimizer)
	tr.AddObserver(trainer.ProgressName, 0, trainer.NewProgress(data.train.NumBatches(), out))
	if cfg.GradMeasure {
		scope := context.ScopeSeparator + network.Scope + context.ScopeSeparator + network.EmbeddingScope
		measure, err := trainer.NewGradientMeasure(network.EmbeddingScope, scope, filepath.Join(outcome.Dir, GradientsDir))
		if err != nil {
			return nil, err
		}
		tr.AddObserver(trainer.GradientMeasureName, 10, measure)
	}
	if cfg.DistMeasure {
		measure, err := evaluation.NewDistanceMeasure(evaluator.Embedder(), data.evaluation,
			filepath.Join(outcome.Dir, DistancesFile))
		if err != nil {
			return nil, err
		}
		tr.AddObserver(evaluation.DistanceMeasureName, 20, measure)
	}

	trainData := data.train.WithEpoch(outcome.FirstEpoch).Prefetch()
	defer trainData.Done()
	for epoch := outcome.FirstEpoch; epoch < cfg.Epochs; epoch++ {
		lrScale := comp.scheduler.Scale(epoch)
		summary, err := tr.TrainOneEpoch(trainData, epoch, lrScale)
		if err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		if err = logger.Log(runlog.Train, trainer.MetricNames(), summary.Values()); err != nil {
			return nil, err
		}
		if err = ckpts.SaveLatest(); err != nil {
			return nil, err
		}

		result, err := evaluator.Evaluate(data.query, data.gallery, epoch)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation epoch %d", epoch)
		}
		outcome.Last = result
		if err = logger.Log(runlog.Val, valNames, result.Values()); err != nil {
			return nil, err
		}
		if recall := result.Recall[0]; recall > outcome.BestRecall {
			outcome.BestEpoch, outcome.BestRecall = epoch, recall
			if err = ckpts.SaveBest(); err != nil {
				return nil, err
			}
			klog.Infof("Epoch %d: best %s so far (%.4f), saved to %q", epoch, recallName, recall, ckpts.BestDir())
		}
		if err = logger.Plot(); err != nil {
			return nil, err
		}
		_, _ = fmt.Fprintln(out, runlog.Report(fmt.Sprintf("Epoch (Val) %d", epoch), valNames, result.Values()))
	}
	return outcome, nil
}

// initialize attaches the loaders of the initial weights, after the run checkpoints: the checkpoint
// given in Config.InitCheckpoint, then the pretrained backbone.
func initialize(cfg config.Config, net *network.Network, ctx *context.Context) error {
	if cfg.InitCheckpoint != "" {
		if err := runlog.LoadInto(ctx, cfg.InitCheckpoint); err != nil {
			return err
		}
	}
	_, err := net.LoadPretrained(ctx)
	return err
}

// evaluateOnly evaluates the model as loaded, without creating, logging nor saving anything. The
// result is tagged with the last trained epoch, or -1 if there is none.
func evaluateOnly(cfg config.Config, comp components, ctx *context.Context, excludeParams []string,
	data datasets, outcome *Outcome, valNames []string, out io.Writer) (*Outcome, error) {
	resumed, err := runlog.OpenCheckpoints(ctx, outcome.Dir, excludeParams...)
	if err != nil {
		return nil, err
	}
	if err = initialize(cfg, comp.net, ctx); err != nil {
		return nil, err
	}
	epoch := -1
	if resumed {
		lastEpoch, found, err := runlog.ReadLastEpoch(outcome.Dir, runlog.Train)
		if err != nil {
			return nil, err
		}
		if found {
			epoch = lastEpoch
		}
	}
	outcome.FirstEpoch = epoch + 1

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	evaluator, err := evaluation.New(backend, ctx, comp.net, cfg)
	if err != nil {
		return nil, err
	}
	result, err := evaluator.Evaluate(data.query, data.gallery, epoch)
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluation epoch %d", epoch)
	}
	outcome.Last = result
	_, _ = fmt.Fprintln(out, runlog.Report(fmt.Sprintf("Evaluation of epoch %d", epoch), valNames, result.Values()))
	return outcome, nil
}

// describe returns the contents of the hyperparameters file of the run.
func describe(cfg config.Config, ctx *context.Context, paramsSet []string) string {
	description := cfg.Describe()
	if len(paramsSet) > 0 {
		description += "\nContext settings:\n" + commandline.SprintModifiedContextSettings(ctx, paramsSet) + "\n"
	}
	return description
}
