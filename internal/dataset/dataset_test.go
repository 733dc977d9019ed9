// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createImages writes numImages small PNG images per class under dir/folder/<class>.
func createImages(t *testing.T, dir, folder string, numImages map[string]int) {
	for class, n := range numImages {
		classDir := filepath.Join(dir, folder, class)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		for ii := range n {
			img := imaging.New(30, 20, color.NRGBA{R: uint8(10 * len(class)), G: uint8(20 * ii), B: 128, A: 255})
			require.NoError(t, imaging.Save(img, filepath.Join(classDir, fmt.Sprintf("img_%02d.png", ii))))
		}
	}
}

func createDataset(t *testing.T) string {
	dir := t.TempDir()
	createImages(t, dir, TrainFolder, map[string]int{"a": 3, "b": 3, "c": 4, "d": 3, "e": 1, "f": 2})
	createImages(t, dir, QueryFolder, map[string]int{"g": 2, "h": 3})
	createImages(t, dir, GalleryFolder, map[string]int{"g": 3, "h": 2, "i": 1})
	// Non-image files and empty classes are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, TrainFolder, "a", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, QueryFolder, "empty"), 0o755))
	return dir
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Dataset = "test"
	cfg.BatchSize = 4
	cfg.SamplesPerClass = 2
	cfg.EvalBatchSize = 3
	cfg.ImageSize = 16
	cfg.Workers = 2
	return cfg
}

func TestScan(t *testing.T) {
	c, err := Scan(createDataset(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}, c.Classes)
	assert.Len(t, c.Train, 16)
	assert.Len(t, c.Query, 5)
	assert.Len(t, c.Gallery, 6)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, c.TrainClasses())
	assert.Equal(t, int32(6), c.Query[0].Label)
	assert.Equal(t, "img_00.png", filepath.Base(c.Query[0].Path))
	assert.Equal(t, int32(8), c.Gallery[5].Label)

	_, err = Scan(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "does not exist")

	dir := t.TempDir()
	createImages(t, dir, TrainFolder, map[string]int{"a": 1})
	_, err = Scan(dir)
	require.ErrorContains(t, err, "query")
}

func TestTrainingBatches(t *testing.T) {
	c, err := Scan(createDataset(t))
	require.NoError(t, err)
	cfg := testConfig()
	ds, err := New(c, Training, cfg)
	require.NoError(t, err)
	require.Equal(t, 4, ds.NumBatches())

	var epochLabels [][]int32
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, []int{4, 16, 16, 3}, inputs[0].Shape().Dimensions)
		batch := labels[0].Value().([]int32)
		require.Len(t, batch, 4)
		// Two distinct classes, each with two consecutive examples.
		assert.Equal(t, batch[0], batch[1])
		assert.Equal(t, batch[2], batch[3])
		assert.NotEqual(t, batch[0], batch[2])
		epochLabels = append(epochLabels, batch)
	}
	require.Len(t, epochLabels, 4)

	// Same seed and epoch: same batches.
	ds2, err := New(c, Training, cfg)
	require.NoError(t, err)
	for _, want := range epochLabels {
		_, got, err := ds2.YieldImages()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Reset moves to the next epoch, and WithEpoch restarts at a given one.
	ds.Reset()
	assert.Equal(t, 1, ds.Epoch())
	_, nextEpoch, err := ds.YieldImages()
	require.NoError(t, err)
	ds2.WithEpoch(1)
	_, got, err := ds2.YieldImages()
	require.NoError(t, err)
	assert.Equal(t, nextEpoch, got)
}

func TestTrainingAugmentationIsReproducible(t *testing.T) {
	c, err := Scan(createDataset(t))
	require.NoError(t, err)
	cfg := testConfig()
	ds1, err := New(c, Training, cfg)
	require.NoError(t, err)
	ds2, err := New(c, Training, cfg)
	require.NoError(t, err)
	_, inputs1, _, err := ds1.Yield()
	require.NoError(t, err)
	_, inputs2, _, err := ds2.Yield()
	require.NoError(t, err)
	assert.Equal(t, inputs1[0].Value(), inputs2[0].Value())
}

func TestTrainingErrors(t *testing.T) {
	c, err := Scan(createDataset(t))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.BatchSize = 14
	_, err = New(c, Training, cfg)
	require.ErrorContains(t, err, "need at least 7 training classes, dataset has 6")

	cfg = testConfig()
	cfg.BatchSize = 5
	_, err = New(c, Training, cfg)
	require.ErrorContains(t, err, "must be a multiple of samples per class")

	cfg = testConfig()
	_, err = New(c, Split("validation"), cfg)
	require.ErrorContains(t, err, "unknown dataset split")
}

func TestEvaluationSplits(t *testing.T) {
	c, err := Scan(createDataset(t))
	require.NoError(t, err)
	cfg := testConfig()
	for _, split := range []Split{Evaluation, Query, Gallery} {
		t.Run(string(split), func(t *testing.T) {
			ds, err := New(c, split, cfg)
			require.NoError(t, err)
			examples := c.Examples(split)
			require.Equal(t, (len(examples)+2)/3, ds.NumBatches())
			for range 2 {
				var got []int32
				for {
					images, labels, err := ds.YieldImages()
					if err == io.EOF {
						break
					}
					require.NoError(t, err)
					for _, img := range images {
						require.Equal(t, image.Pt(16, 16), img.Bounds().Size())
					}
					got = append(got, labels...)
				}
				want := make([]int32, len(examples))
				for ii, example := range examples {
					want[ii] = example.Label
				}
				require.Equal(t, want, got)
				ds.Reset()
			}
		})
	}
}

func TestPrefetchKeepsOrder(t *testing.T) {
	c, err := Scan(createDataset(t))
	require.NoError(t, err)
	cfg := testConfig()
	direct, err := New(c, Training, cfg)
	require.NoError(t, err)
	prefetched, err := New(c, Training, cfg)
	require.NoError(t, err)
	pds := prefetched.Prefetch()
	defer pds.Done()

	for range 2 {
		for {
			_, _, wantLabels, wantErr := direct.Yield()
			_, _, gotLabels, gotErr := pds.Yield()
			if wantErr == io.EOF {
				require.Equal(t, io.EOF, gotErr)
				break
			}
			require.NoError(t, wantErr)
			require.NoError(t, gotErr)
			assert.Equal(t, wantLabels[0].Value(), gotLabels[0].Value())
		}
		direct.Reset()
		pds.Reset()
	}
}

func TestCrops(t *testing.T) {
	img := imaging.New(40, 20, color.White)
	for _, resize256 := range []bool{false, true} {
		assert.Equal(t, image.Pt(16, 16), CenterCrop(img, 16, resize256).Bounds().Size())
	}
	for _, aug := range []augmentation{
		{scale: MinCropScale, logRatio: 0},
		{scale: MaxCropScale, logRatio: 0.28, x: 0.99, y: 0.99, flip: true},
		{scale: 0.5, logRatio: -0.28, x: 0.5, y: 0},
	} {
		assert.Equal(t, image.Pt(16, 16), randomResizedCrop(img, 16, aug).Bounds().Size())
	}
}
