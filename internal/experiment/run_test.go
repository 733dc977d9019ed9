// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"bytes"
	"fmt"
	"image/color"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/dataset"
	"github.com/gomlx/smoothap/internal/runlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const testSettings = "cnn_num_layers=1;cnn_channels=4"

// createDataset writes a toy dataset with 3 training classes and 2 evaluation classes, of noise
// images tinted by class.
func createDataset(t *testing.T, dir string) {
	rng := rand.New(rand.NewPCG(3, 5))
	write := func(folder, class string, tint uint8, numImages int) {
		classDir := filepath.Join(dir, folder, class)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		for ii := range numImages {
			img := imaging.New(20, 20, color.NRGBA{R: tint, G: 255 - tint, B: 64, A: 255})
			for y := range 20 {
				for x := range 20 {
					c := img.NRGBAAt(x, y)
					c.B = uint8(rng.IntN(256))
					img.SetNRGBA(x, y, c)
				}
			}
			require.NoError(t, imaging.Save(img, filepath.Join(classDir, fmt.Sprintf("%02d.png", ii))))
		}
	}
	for ii, class := range []string{"a", "b", "c"} {
		write(dataset.TrainFolder, class, uint8(40*ii), 3)
	}
	for ii, class := range []string{"d", "e"} {
		write(dataset.QueryFolder, class, uint8(150+80*ii), 2)
		write(dataset.GalleryFolder, class, uint8(150+80*ii), 2)
	}
}

func testConfig(t *testing.T) config.Config {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Dataset = "toy"
	cfg.SourcePath = filepath.Join(base, "datasets")
	cfg.SavePath = filepath.Join(base, "results")
	cfg.Arch = "cnn"
	cfg.Pretrained = false
	cfg.EmbedDim = 4
	cfg.ImageSize = 16
	cfg.BatchSize = 4
	cfg.SamplesPerClass = 2
	cfg.EvalBatchSize = 3
	cfg.LearningRate = 1e-3
	cfg.SigmoidTemperature = 0.1
	cfg.RecallK = []int{1, 2}
	cfg.Epochs = 2
	cfg.NumCheckpoints = 2
	cfg.Workers = 2
	cfg.ContextSettings = testSettings
	createDataset(t, cfg.DatasetDir())
	return cfg
}

func setupBackend() {
	if Backend == nil {
		Backend = graphtest.BuildTestBackend()
	}
}

func readRows(t *testing.T, path string) []string {
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(contents)), "\n")
}

func TestRun(t *testing.T) {
	setupBackend()
	cfg := testConfig(t)
	cfg.GradMeasure = true
	cfg.DistMeasure = true
	var out bytes.Buffer
	outcome, err := Run(cfg, &out)
	require.NoError(t, err)
	assert.Equal(t, cfg.OutputDir(), outcome.Dir)
	assert.Equal(t, 0, outcome.FirstEpoch)
	require.NotNil(t, outcome.Last)
	assert.Equal(t, 1, outcome.Last.Epoch)
	assert.GreaterOrEqual(t, outcome.BestEpoch, 0)
	assert.Contains(t, out.String(), "Epoch (Train) 1")
	assert.Contains(t, out.String(), "Epoch (Val) 1")

	trainRows := readRows(t, filepath.Join(outcome.Dir, "train.csv"))
	assert.Equal(t, []string{"Epochs,Time,Train Loss"}, trainRows[:1])
	assert.Len(t, trainRows, 3)
	valRows := readRows(t, filepath.Join(outcome.Dir, "val.csv"))
	assert.Equal(t, "Epochs,Time,NMI,F1,Recall @ 1,Recall @ 2", valRows[0])
	assert.Len(t, valRows, 3)

	for _, name := range []string{runlog.HyperparametersFile, runlog.PlotFile, DistancesFile,
		filepath.Join(GradientsDir, "embedding_epoch_000.csv"), filepath.Join(GradientsDir, "embedding_epoch_001.csv")} {
		_, err := os.Stat(filepath.Join(outcome.Dir, name))
		assert.NoError(t, err, "missing %q", name)
	}
	best, err := filepath.Glob(filepath.Join(outcome.Dir, runlog.BestDir, "checkpoint-*.json"))
	require.NoError(t, err)
	assert.Len(t, best, 1)
	hyperparameters, err := os.ReadFile(filepath.Join(outcome.Dir, runlog.HyperparametersFile))
	require.NoError(t, err)
	assert.Contains(t, string(hyperparameters), "loss: smoothap")
	assert.Contains(t, string(hyperparameters), "cnn_num_layers")

	// Resuming with more epochs only trains the new ones, appending to the logs.
	cfg.Epochs = 3
	outcome, err = Run(cfg, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.FirstEpoch)
	assert.Equal(t, 2, outcome.Last.Epoch)
	assert.Len(t, readRows(t, filepath.Join(outcome.Dir, "train.csv")), 4)
	assert.Len(t, readRows(t, filepath.Join(outcome.Dir, "val.csv")), 4)

	// Evaluation only: nothing in the run directory is written.
	hyperparametersPath := filepath.Join(outcome.Dir, runlog.HyperparametersFile)
	require.NoError(t, os.WriteFile(hyperparametersPath, []byte("unchanged\n"), 0o644))
	cfg.EvalOnly = true
	outcome, err = Run(cfg, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Last.Epoch)
	assert.Len(t, readRows(t, filepath.Join(outcome.Dir, "train.csv")), 4)
	assert.Len(t, readRows(t, filepath.Join(outcome.Dir, "val.csv")), 4)
	hyperparameters, err = os.ReadFile(hyperparametersPath)
	require.NoError(t, err)
	assert.Equal(t, "unchanged\n", string(hyperparameters))
	best, err = filepath.Glob(filepath.Join(outcome.Dir, "checkpoint-*.json"))
	require.NoError(t, err)
	assert.Len(t, best, 2, "no new checkpoint is saved")
}

func TestRunEvalOnlyCreatesNothing(t *testing.T) {
	setupBackend()
	cfg := testConfig(t)
	cfg.EvalOnly = true
	outcome, err := Run(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, -1, outcome.Last.Epoch)
	assert.Equal(t, 0, outcome.FirstEpoch)
	_, err = os.Stat(cfg.OutputDir())
	assert.True(t, os.IsNotExist(err), "evaluating a new run must not create its directory")
}

func TestRunConfigurationErrors(t *testing.T) {
	base := config.Default()
	base.SourcePath = filepath.Join(t.TempDir(), "missing")
	base.SavePath = t.TempDir()
	for name, modify := range map[string]func(cfg *config.Config){
		"loss":        func(cfg *config.Config) { cfg.Loss = "proxy" },
		"sampling":    func(cfg *config.Config) { cfg.Loss, cfg.Sampling = "triplet", "hardest" },
		"scheduler":   func(cfg *config.Config) { cfg.Scheduler = "cosine" },
		"optimizer":   func(cfg *config.Config) { cfg.Optimizer = "lamb" },
		"arch":        func(cfg *config.Config) { cfg.Arch = "inception" },
		"batch":       func(cfg *config.Config) { cfg.BatchSize = 10 },
		"temperature": func(cfg *config.Config) { cfg.SigmoidTemperature = 0 },
		"embed init":  func(cfg *config.Config) { cfg.EmbedInit = "zeros" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base.Clone()
			modify(&cfg)
			_, err := Run(cfg, &bytes.Buffer{})
			require.ErrorContains(t, err, "configuration")
			// Nothing was created.
			_, err = os.Stat(cfg.OutputDir())
			assert.True(t, os.IsNotExist(err))
		})
	}

	withUnknownParam := base.Clone()
	withUnknownParam.ContextSettings = "unknown_param=1"
	_, err := Run(withUnknownParam, &bytes.Buffer{})
	require.ErrorContains(t, err, "configuration")

	_, err = Run(base, &bytes.Buffer{})
	require.ErrorContains(t, err, "dataset")
}
