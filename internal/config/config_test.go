// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"batch not multiple", func(c *Config) { c.BatchSize = 10; c.SamplesPerClass = 4 }, "multiple"},
		{"single class per batch", func(c *Config) { c.BatchSize = 4; c.SamplesPerClass = 4 }, "at least 2 classes"},
		{"negative lr", func(c *Config) { c.LearningRate = -1 }, "learning rates"},
		{"zero temperature", func(c *Config) { c.SigmoidTemperature = 0 }, "temperature"},
		{"no recall", func(c *Config) { c.RecallK = nil }, "Recall@K"},
		{"bad recall", func(c *Config) { c.RecallK = []int{1, 0} }, "Recall@K"},
		{"no epochs", func(c *Config) { c.Epochs = 0 }, "epochs"},
		{"tiny images", func(c *Config) { c.ImageSize = 8 }, "image size"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestExperimentName(t *testing.T) {
	c := Default()
	name := c.ExperimentName()
	assert.Equal(t, name, Default().ExperimentName(), "name must be deterministic")
	assert.True(t, strings.HasPrefix(name, "METU-Trademark_resnet_smoothap_distance_embed512"), name)
	assert.True(t, strings.HasSuffix(name, "_"+c.Fingerprint()), name)

	c.SaveName = "ablation"
	assert.True(t, strings.HasSuffix(c.ExperimentName(), "_ablation"))
	assert.Equal(t, filepath.Join("./Training_Results", "METU-Trademark", "weights_"+c.ExperimentName()), c.OutputDir())

	c.Seed = 2
	assert.NotEqual(t, name, c.ExperimentName())
}

func TestOutputDirDependsOnAllHyperparameters(t *testing.T) {
	base := Default()
	for name, modify := range map[string]func(c *Config){
		"optimizer":    func(c *Config) { c.Optimizer = "sgd" },
		"decay":        func(c *Config) { c.WeightDecay = 0.1 },
		"scheduler":    func(c *Config) { c.Scheduler = "exp" },
		"gamma":        func(c *Config) { c.Gamma = 0.9 },
		"milestones":   func(c *Config) { c.Milestones = []int{1} },
		"pretrained":   func(c *Config) { c.Pretrained = false },
		"image size":   func(c *Config) { c.ImageSize = 64 },
		"resize256":    func(c *Config) { c.Resize256 = true },
		"beta":         func(c *Config) { c.BetaInit = 0.5 },
		"embed init":   func(c *Config) { c.EmbedInit = "normal" },
		"ft batchnorm": func(c *Config) { c.FineTuneBatchNorm = true },
		"k values":     func(c *Config) { c.RecallK = []int{1, 5} },
		"settings":     func(c *Config) { c.ContextSettings = "resnet_num_stages=3" },
	} {
		t.Run(name, func(t *testing.T) {
			c := base.Clone()
			modify(&c)
			assert.NotEqual(t, base.OutputDir(), c.OutputDir())
		})
	}

	// Resuming with more epochs or another evaluation batch size continues the same run.
	c := base.Clone()
	c.Epochs = 100
	c.EvalBatchSize = 7
	assert.Equal(t, base.OutputDir(), c.OutputDir())
}

func TestClone(t *testing.T) {
	c := Default()
	c2 := c.Clone()
	c2.RecallK[0] = 100
	c2.Milestones[0] = 7
	assert.Equal(t, 1, c.RecallK[0])
	assert.Equal(t, 200, c.Milestones[0])
}

func TestDescribe(t *testing.T) {
	lines := strings.Split(strings.TrimSpace(Default().Describe()), "\n")
	require.Len(t, lines, len(Default().Params()))
	assert.Equal(t, "arch: resnet", lines[0])
	assert.Contains(t, lines, "k_vals: 1,2,4,8")
}
