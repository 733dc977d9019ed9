// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the run configuration of a metric-learning experiment.
//
// A Config is created once at startup (usually from command-line flags), validated, and then passed
// by value to every component constructor. Nothing reads it from a global.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Config holds all hyperparameters and paths of one run.
//
// Treat it as read-only after Validate: components keep their own copy.
type Config struct {
	// Dataset is the name of the dataset folder under SourcePath.
	Dataset string

	// SourcePath is the directory holding the datasets.
	SourcePath string

	// SavePath is the base directory for the run outputs.
	SavePath string

	// SaveName is an optional suffix appended to the experiment name.
	SaveName string

	// LearningRate is the base learning rate, used by the backbone parameter group.
	LearningRate float64

	// EmbeddingLRMultiplier scales LearningRate for the embedding head. 0 means no scaling.
	EmbeddingLRMultiplier float64

	// WeightDecay is the L2 penalty added to the gradients of the network parameters.
	WeightDecay float64

	Epochs          int
	Workers         int
	BatchSize       int
	EvalBatchSize   int
	SamplesPerClass int
	Seed            int64

	// Scheduler is one of the schedulers known to the optim package ("step", "exp", "none").
	Scheduler  string
	Gamma      float64
	Milestones []int

	// Optimizer is one of the optimizers known to the optim package ("adam", "sgd").
	Optimizer string

	// Loss selects the criterion ("smoothap", "triplet", "margin").
	Loss string

	// Sampling selects the triplet sampling policy ("random", "semihard", "distance").
	Sampling string

	// SigmoidTemperature is the Smooth-AP temperature.
	SigmoidTemperature float64

	// Margin is used by the triplet and margin losses, and by the semihard sampler.
	Margin float64

	// BetaInit and BetaLearningRate configure the trainable boundary of the margin loss.
	BetaInit         float64
	BetaLearningRate float64

	// RecallK lists the K values of the Recall@K metric.
	RecallK []int

	EmbedDim int

	// EmbedInit is the initialization of the embedding head weights: "default", "kaiming_normal",
	// "kaiming_uniform" or "normal".
	EmbedInit string

	Arch      string
	ImageSize int

	// Resize256 resizes images to 256 pixels before cropping them to ImageSize.
	Resize256 bool

	// FineTuneBatchNorm updates the batch normalization moving averages during training. Otherwise
	// they are frozen to their initial (or pretrained) values.
	FineTuneBatchNorm bool

	// Pretrained loads the backbone weights from PretrainedDir, if available.
	Pretrained bool

	GradMeasure bool
	DistMeasure bool

	// InitCheckpoint is an optional checkpoint directory used to initialize the model.
	InitCheckpoint string

	EvalOnly bool

	// GPU selects the accelerator index, -1 leaves the backend default.
	GPU int

	// Backend is an optional GoMLX backend configuration, e.g. "xla:cuda" or "go".
	Backend string

	// NumCheckpoints is the number of latest checkpoints kept.
	NumCheckpoints int

	// ContextSettings are GoMLX context parameters ("param1=value1;param2=value2") overriding the
	// backbone hyperparameters.
	ContextSettings string
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Dataset:               "METU-Trademark",
		SourcePath:            "./Datasets",
		SavePath:              "./Training_Results",
		LearningRate:          1e-7,
		EmbeddingLRMultiplier: 5,
		WeightDecay:           4e-4,
		Epochs:                50,
		Workers:               0,
		BatchSize:             256,
		EvalBatchSize:         128,
		SamplesPerClass:       4,
		Seed:                  1,
		Scheduler:             "step",
		Gamma:                 0.3,
		Milestones:            []int{200, 300, 300, 120, 220, 250, 280},
		Optimizer:             "adam",
		Loss:                  "smoothap",
		Sampling:              "distance",
		SigmoidTemperature:    0.01,
		Margin:                0.2,
		BetaInit:              1.2,
		BetaLearningRate:      0.0005,
		RecallK:               []int{1, 2, 4, 8},
		EmbedDim:              512,
		EmbedInit:             "default",
		Arch:                  "resnet",
		ImageSize:             224,
		Pretrained:            true,
		GPU:                   -1,
		NumCheckpoints:        3,
	}
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	c.Milestones = slices.Clone(c.Milestones)
	c.RecallK = slices.Clone(c.RecallK)
	return c
}

// Validate checks the numeric settings and the batch composition.
//
// Identifiers (loss, sampling, scheduler, optimizer, architecture) are validated by the packages that
// resolve them.
func (c Config) Validate() error {
	switch {
	case c.Dataset == "":
		return errors.New("dataset name must be set")
	case c.Epochs < 1:
		return errors.Errorf("number of epochs must be >= 1, got %d", c.Epochs)
	case c.BatchSize < 1:
		return errors.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	case c.EvalBatchSize < 1:
		return errors.Errorf("evaluation batch size must be >= 1, got %d", c.EvalBatchSize)
	case c.SamplesPerClass < 1:
		return errors.Errorf("samples per class must be >= 1, got %d", c.SamplesPerClass)
	case c.BatchSize%c.SamplesPerClass != 0:
		return errors.Errorf("batch size (%d) must be a multiple of samples per class (%d)",
			c.BatchSize, c.SamplesPerClass)
	case c.BatchSize/c.SamplesPerClass < 2:
		return errors.Errorf("batch size (%d) must hold at least 2 classes of %d samples",
			c.BatchSize, c.SamplesPerClass)
	case c.LearningRate < 0 || c.EmbeddingLRMultiplier < 0 || c.BetaLearningRate < 0:
		return errors.Errorf("learning rates must be >= 0, got lr=%g, fc_lr_mul=%g, beta_lr=%g",
			c.LearningRate, c.EmbeddingLRMultiplier, c.BetaLearningRate)
	case c.WeightDecay < 0:
		return errors.Errorf("weight decay must be >= 0, got %g", c.WeightDecay)
	case c.SigmoidTemperature <= 0:
		return errors.Errorf("sigmoid temperature must be > 0, got %g", c.SigmoidTemperature)
	case c.Margin < 0:
		return errors.Errorf("margin must be >= 0, got %g", c.Margin)
	case c.Gamma <= 0:
		return errors.Errorf("scheduler gamma must be > 0, got %g", c.Gamma)
	case len(c.RecallK) == 0:
		return errors.New("at least one Recall@K value is required")
	case c.EmbedDim < 1:
		return errors.Errorf("embedding dimension must be >= 1, got %d", c.EmbedDim)
	case c.ImageSize < 16:
		return errors.Errorf("image size must be >= 16, got %d", c.ImageSize)
	case c.Workers < 0:
		return errors.Errorf("number of workers must be >= 0, got %d", c.Workers)
	}
	for _, k := range c.RecallK {
		if k < 1 {
			return errors.Errorf("Recall@K values must be >= 1, got %v", c.RecallK)
		}
	}
	for _, m := range c.Milestones {
		if m < 0 {
			return errors.Errorf("scheduler milestones must be >= 0, got %v", c.Milestones)
		}
	}
	return nil
}

// ExperimentName is derived from the hyperparameters only, so the same configuration always maps
// to the same name. It ends with a fingerprint of all the hyperparameters that change the outcome of
// a run, so different configurations never share a run directory.
func (c Config) ExperimentName() string {
	name := fmt.Sprintf("%s_%s_%s_%s_embed%d_lr%g_fclr%g_bs%d_spc%d_t%g_m%g_seed%d_%s",
		c.Dataset, c.Arch, c.Loss, c.Sampling, c.EmbedDim, c.LearningRate, c.EmbeddingLRMultiplier,
		c.BatchSize, c.SamplesPerClass, c.SigmoidTemperature, c.Margin, c.Seed, c.Fingerprint())
	if c.SaveName != "" {
		name = name + "_" + c.SaveName
	}
	return name
}

// ResumableParams are the hyperparameters that can change when a run is resumed: they are left out
// of the Fingerprint.
var ResumableParams = []string{"n_epochs", "eval_bs"}

// Fingerprint returns a short hash of the hyperparameters and context settings, except
// ResumableParams.
func (c Config) Fingerprint() string {
	params := c.Params()
	for _, key := range ResumableParams {
		delete(params, key)
	}
	hasher := sha256.New()
	for _, key := range xslices.SortedKeys(params) {
		_, _ = fmt.Fprintf(hasher, "%s=%v\n", key, params[key])
	}
	_, _ = fmt.Fprintf(hasher, "set=%s\n", c.ContextSettings)
	return hex.EncodeToString(hasher.Sum(nil))[:8]
}

// OutputDir is the directory where logs and checkpoints of the run are stored.
func (c Config) OutputDir() string {
	return filepath.Join(c.SavePath, c.Dataset, "weights_"+c.ExperimentName())
}

// DatasetDir is the root directory of the dataset splits.
func (c Config) DatasetDir() string {
	return filepath.Join(c.SourcePath, c.Dataset)
}

// PretrainedDir is where pretrained backbone checkpoints for Arch are looked up.
func (c Config) PretrainedDir() string {
	return filepath.Join(c.SourcePath, "pretrained", c.Arch)
}

// Params returns the hyperparameters keyed by their command-line names.
//
// They are stored in the model context, so checkpoints record the configuration that produced them.
func (c Config) Params() map[string]any {
	return map[string]any{
		"dataset":             c.Dataset,
		"lr":                  c.LearningRate,
		"fc_lr_mul":           c.EmbeddingLRMultiplier,
		"decay":               c.WeightDecay,
		"n_epochs":            c.Epochs,
		"bs":                  c.BatchSize,
		"eval_bs":             c.EvalBatchSize,
		"samples_per_class":   c.SamplesPerClass,
		"seed":                c.Seed,
		"scheduler":           c.Scheduler,
		"gamma":               c.Gamma,
		"tau":                 intsToString(c.Milestones),
		"opt":                 c.Optimizer,
		"loss":                c.Loss,
		"sampling":            c.Sampling,
		"sigmoid_temperature": c.SigmoidTemperature,
		"margin":              c.Margin,
		"beta":                c.BetaInit,
		"beta_lr":             c.BetaLearningRate,
		"k_vals":              intsToString(c.RecallK),
		"embed_dim":           c.EmbedDim,
		"embed_init":          c.EmbedInit,
		"ft_batchnorm":        c.FineTuneBatchNorm,
		"arch":                c.Arch,
		"image_size":          c.ImageSize,
		"resize256":           c.Resize256,
		"pretrained":          c.Pretrained,
	}
}

// Describe lists the hyperparameters one per line, sorted by name.
func (c Config) Describe() string {
	params := c.Params()
	var sb strings.Builder
	for _, key := range xslices.SortedKeys(params) {
		fmt.Fprintf(&sb, "%s: %v\n", key, params[key])
	}
	return sb.String()
}

func intsToString(values []int) string {
	return strings.Join(xslices.Map(values, func(v int) string { return fmt.Sprint(v) }), ",")
}
