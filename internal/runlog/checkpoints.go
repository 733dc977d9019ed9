// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BestDir is the subdirectory of the run directory holding the checkpoint with the best validation
// metric.
const BestDir = "best"

// Checkpoints of a run: the latest ones, kept in the run directory, and the best one, kept in
// BestDir.
type Checkpoints struct {
	ctx     *context.Context
	dir     string
	latest  *checkpoints.Handler
	best    *checkpoints.Handler
	hadLast bool
}

// NewCheckpoints attaches to ctx a checkpoint handler on dir, keeping the keep most recent
// checkpoints (keep < 0 keeps all). If dir already holds checkpoints, the most recent one is loaded:
// it takes precedence over any loader attached to ctx afterward.
//
// Hyperparameters saved with the checkpoint are restored into ctx, except the ones in
// excludeParams, usually the ones set explicitly in the command line.
func NewCheckpoints(ctx *context.Context, dir string, keep int, excludeParams ...string) (*Checkpoints, error) {
	latest, err := checkpoints.Build(ctx).Dir(dir).Keep(keep).ExcludeParams(excludeParams...).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoints in %q", dir)
	}
	hasLatest, err := latest.HasCheckpoints()
	if err != nil {
		return nil, errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	if hasLatest {
		klog.Infof("Resuming from checkpoint in %q", dir)
	}
	return &Checkpoints{ctx: ctx, dir: dir, latest: latest, hadLast: hasLatest}, nil
}

// OpenCheckpoints attaches to ctx the most recent checkpoint in dir, if there is one, without
// creating dir nor saving anything. It returns whether a checkpoint was found.
//
// Hyperparameters saved with the checkpoint are restored into ctx, except the ones in excludeParams.
func OpenCheckpoints(ctx *context.Context, dir string, excludeParams ...string) (bool, error) {
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return false, errors.WithMessagef(err, "checking checkpoints in %q", dir)
	}
	if !exists {
		return false, nil
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).ExcludeParams(excludeParams...).Done()
	if err != nil {
		return false, errors.WithMessagef(err, "checkpoints in %q", dir)
	}
	found, err := handler.HasCheckpoints()
	if err != nil {
		return false, errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	if found {
		klog.Infof("Loading checkpoint from %q", dir)
	}
	return found, nil
}

// Resumed returns whether a checkpoint was loaded when the run was opened.
func (c *Checkpoints) Resumed() bool { return c.hadLast }

// Dir returns the directory of the latest checkpoints.
func (c *Checkpoints) Dir() string { return c.dir }

// BestDir returns the directory of the best checkpoint.
func (c *Checkpoints) BestDir() string { return filepath.Join(c.dir, BestDir) }

// SaveLatest saves the current variables, dropping the older checkpoints beyond the ones kept.
func (c *Checkpoints) SaveLatest() error {
	return errors.WithMessagef(c.latest.Save(), "saving checkpoint to %q", c.dir)
}

// SaveBest replaces the best checkpoint with the current variables.
//
// The best directory is cleared the first time it is saved by this process: a best checkpoint left by
// a previous process is only replaced once the run improves on it.
func (c *Checkpoints) SaveBest() error {
	if c.best == nil {
		bestDir := c.BestDir()
		if err := os.RemoveAll(bestDir); err != nil {
			return errors.Wrapf(err, "clearing best checkpoint directory %q", bestDir)
		}
		var err error
		c.best, err = checkpoints.Build(c.ctx).Dir(bestDir).Keep(1).Done()
		if err != nil {
			return errors.WithMessagef(err, "checkpoints in %q", bestDir)
		}
	}
	return errors.WithMessagef(c.best.Save(), "saving best checkpoint to %q", c.best.Dir())
}

// LoadInto loads the variables of the checkpoint in dir into ctx, without its hyperparameters. Variables
// already loaded by a loader attached before take precedence.
//
// It is used to initialize a run from the weights of another one.
func LoadInto(ctx *context.Context, dir string) error {
	if _, err := checkpoints.Load(ctx).Dir(dir).ExcludeAllParams().Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	klog.Infof("Initializing variables from checkpoint in %q", dir)
	return nil
}
