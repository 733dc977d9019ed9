// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"io"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Random resized crop parameters of the training augmentation.
const (
	MinCropScale = 0.08
	MaxCropScale = 1.0
	MinCropRatio = 3.0 / 4.0
	MaxCropRatio = 4.0 / 3.0
)

// Dataset yields batches of one Split. It implements train.Dataset:
//
//   - inputs: one tensor with the images, float32 shaped [batch_size, image_size, image_size, 3],
//     with values in [0, 1].
//   - labels: one tensor with the class labels, int32 shaped [batch_size].
//
// The Training split yields len(examples)/batch_size batches per epoch (the last partial batch is
// dropped), each made of batch_size/samples_per_class distinct classes contributing
// samples_per_class consecutive examples. The other splits yield all examples in order, and the
// last batch may be smaller.
//
// Batch composition and augmentations depend only on the seed and the epoch, and images are
// decoded in parallel into fixed positions, so the batches are reproducible.
type Dataset struct {
	name     string
	split    Split
	examples []Example

	batchSize, samplesPerClass int
	imageSize                  int
	resize256                  bool
	seed                       int64
	workers                    int
	toTensor                   *timage.ToTensorConfig

	// Training only: example indices per label, and the labels with examples.
	byClass map[int32][]int
	classes []int32

	// mu protects the fields below.
	mu      sync.Mutex
	epoch   int
	rng     *rand.Rand
	batches [][]int
	next    int
}

var _ train.Dataset = (*Dataset)(nil)

// augmentation holds the random draws of the training augmentation of one example. They are drawn
// before decoding, when the image size is not yet known.
type augmentation struct {
	scale, logRatio float64
	x, y            float64
	flip            bool
}

// New creates the Dataset of the given split. It uses cfg.BatchSize for the Training split and
// cfg.EvalBatchSize for the others.
func New(c *Collection, split Split, cfg config.Config) (*Dataset, error) {
	ds := &Dataset{
		name:            fmt.Sprintf("%s:%s", cfg.Dataset, split),
		split:           split,
		examples:        c.Examples(split),
		batchSize:       cfg.EvalBatchSize,
		samplesPerClass: cfg.SamplesPerClass,
		imageSize:       cfg.ImageSize,
		resize256:       cfg.Resize256,
		seed:            cfg.Seed,
		workers:         cfg.Workers,
		toTensor:        timage.ToTensor(dtypes.Float32).MaxValue(1.0),
	}
	if ds.examples == nil {
		return nil, errors.Errorf("unknown dataset split %q, valid values are %q", split, Splits)
	}
	if ds.workers <= 0 {
		ds.workers = runtime.NumCPU()
	}
	if split == Training {
		ds.batchSize = cfg.BatchSize
		if cfg.SamplesPerClass < 1 || cfg.BatchSize%cfg.SamplesPerClass != 0 {
			return nil, errors.Errorf("batch size (%d) must be a multiple of samples per class (%d)",
				cfg.BatchSize, cfg.SamplesPerClass)
		}
		ds.byClass = make(map[int32][]int)
		for ii, example := range ds.examples {
			if _, found := ds.byClass[example.Label]; !found {
				ds.classes = append(ds.classes, example.Label)
			}
			ds.byClass[example.Label] = append(ds.byClass[example.Label], ii)
		}
		classesPerBatch := cfg.BatchSize / cfg.SamplesPerClass
		if len(ds.classes) < classesPerBatch {
			return nil, errors.Errorf("batches of %d classes (batch size %d, %d samples per class) need at least "+
				"%d training classes, dataset has %d", classesPerBatch, cfg.BatchSize, cfg.SamplesPerClass,
				classesPerBatch, len(ds.classes))
		}
		if len(ds.examples) < cfg.BatchSize {
			return nil, errors.Errorf("training split has %d images, fewer than the batch size %d",
				len(ds.examples), cfg.BatchSize)
		}
	}
	if ds.batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", ds.batchSize)
	}
	ds.mu.Lock()
	ds.shuffleLocked()
	ds.mu.Unlock()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Split returns the split yielded by the dataset.
func (ds *Dataset) Split() Split { return ds.split }

// NumExamples returns the number of examples of the split.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// Examples returns the examples of the split, in the order of the non-training splits.
func (ds *Dataset) Examples() []Example { return ds.examples }

// BatchSize returns the (maximum) number of examples per batch.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumBatches returns the number of batches yielded per epoch.
func (ds *Dataset) NumBatches() int {
	if ds.split == Training {
		return len(ds.examples) / ds.batchSize
	}
	return (len(ds.examples) + ds.batchSize - 1) / ds.batchSize
}

// Epoch returns the epoch whose batches are being yielded.
func (ds *Dataset) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

// WithEpoch restarts the dataset at the batches of the given epoch. Used when resuming a run.
//
// It returns the Dataset, so calls can be cascaded.
func (ds *Dataset) WithEpoch(epoch int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch = epoch
	ds.shuffleLocked()
	return ds
}

// Reset implements train.Dataset. The Training split moves on to the next epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.split == Training {
		ds.epoch++
	}
	ds.shuffleLocked()
}

// shuffleLocked restarts the epoch: for the Training split it draws the batches of the epoch.
func (ds *Dataset) shuffleLocked() {
	ds.next = 0
	if ds.split != Training {
		return
	}
	ds.rng = rand.New(rand.NewPCG(uint64(ds.seed), uint64(ds.epoch)))
	numBatches := len(ds.examples) / ds.batchSize
	classesPerBatch := ds.batchSize / ds.samplesPerClass
	ds.batches = make([][]int, numBatches)
	for batchIdx := range ds.batches {
		batch := make([]int, 0, ds.batchSize)
		for _, classIdx := range ds.rng.Perm(len(ds.classes))[:classesPerBatch] {
			members := ds.byClass[ds.classes[classIdx]]
			if len(members) >= ds.samplesPerClass {
				for _, memberIdx := range ds.rng.Perm(len(members))[:ds.samplesPerClass] {
					batch = append(batch, members[memberIdx])
				}
			} else {
				// Small classes are sampled with replacement.
				for range ds.samplesPerClass {
					batch = append(batch, members[ds.rng.IntN(len(members))])
				}
			}
		}
		ds.batches[batchIdx] = batch
	}
}

// nextBatch returns the example indices of the next batch and, for training, their augmentations.
func (ds *Dataset) nextBatch() (indices []int, augs []augmentation, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.split != Training {
		if ds.next >= len(ds.examples) {
			return nil, nil, io.EOF
		}
		end := min(ds.next+ds.batchSize, len(ds.examples))
		indices = make([]int, 0, end-ds.next)
		for ii := ds.next; ii < end; ii++ {
			indices = append(indices, ii)
		}
		ds.next = end
		return
	}

	if ds.next >= len(ds.batches) {
		return nil, nil, io.EOF
	}
	indices = ds.batches[ds.next]
	ds.next++
	augs = make([]augmentation, len(indices))
	for ii := range augs {
		augs[ii] = augmentation{
			scale:    MinCropScale + ds.rng.Float64()*(MaxCropScale-MinCropScale),
			logRatio: math.Log(MinCropRatio) + ds.rng.Float64()*(math.Log(MaxCropRatio)-math.Log(MinCropRatio)),
			x:        ds.rng.Float64(),
			y:        ds.rng.Float64(),
			flip:     ds.rng.IntN(2) == 1,
		}
	}
	return
}

// YieldImages returns the next batch as images, with their labels. See Yield for the tensors.
func (ds *Dataset) YieldImages() (images []image.Image, labels []int32, err error) {
	indices, augs, err := ds.nextBatch()
	if err != nil {
		return
	}
	images = make([]image.Image, len(indices))
	labels = make([]int32, len(indices))
	var g errgroup.Group
	g.SetLimit(ds.workers)
	for ii, exampleIdx := range indices {
		example := ds.examples[exampleIdx]
		labels[ii] = example.Label
		g.Go(func() error {
			img, err := imaging.Open(example.Path, imaging.AutoOrientation(true))
			if err != nil {
				return errors.Wrapf(err, "while reading image %q", example.Path)
			}
			if augs != nil {
				images[ii] = randomResizedCrop(img, ds.imageSize, augs[ii])
			} else {
				images[ii] = CenterCrop(img, ds.imageSize, ds.resize256)
			}
			return nil
		})
	}
	err = g.Wait()
	return
}

// Yield implements train.Dataset. The spec returned is the Dataset itself.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	images, batchLabels, err := ds.YieldImages()
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromValue(batchLabels)}
	return
}

// Prefetch returns a train.Dataset that yields the batches of ds one ahead, in a separate
// goroutine. Batches keep their order. Call Done on it to stop the goroutine.
func (ds *Dataset) Prefetch() *datasets.ParallelDataset {
	return datasets.CustomParallel(ds).Parallelism(1).Buffer(2).Start()
}

// randomResizedCrop crops a random area of img (scale and aspect ratio given by aug), resizes it
// to size x size and optionally flips it horizontally.
func randomResizedCrop(img image.Image, size int, aug augmentation) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	area := float64(width*height) * aug.scale
	ratio := math.Exp(aug.logRatio)
	cropWidth := min(max(int(math.Round(math.Sqrt(area*ratio))), 1), width)
	cropHeight := min(max(int(math.Round(math.Sqrt(area/ratio))), 1), height)
	x0 := bounds.Min.X + min(int(aug.x*float64(width-cropWidth+1)), width-cropWidth)
	y0 := bounds.Min.Y + min(int(aug.y*float64(height-cropHeight+1)), height-cropHeight)
	cropped := imaging.Crop(img, image.Rect(x0, y0, x0+cropWidth, y0+cropHeight))
	cropped = imaging.Resize(cropped, size, size, imaging.Linear)
	if aug.flip {
		cropped = imaging.FlipH(cropped)
	}
	return cropped
}

// CenterCrop returns the center size x size square of img. With resize256 the shorter side is
// first resized to 256/224 of size, otherwise the image is resized to fill the square.
func CenterCrop(img image.Image, size int, resize256 bool) image.Image {
	if !resize256 {
		return imaging.Fill(img, size, size, imaging.Center, imaging.Linear)
	}
	shortSide := size * 256 / 224
	bounds := img.Bounds()
	if bounds.Dx() < bounds.Dy() {
		img = imaging.Resize(img, shortSide, 0, imaging.Linear)
	} else {
		img = imaging.Resize(img, 0, shortSide, imaging.Linear)
	}
	return imaging.CropCenter(img, size, size)
}
