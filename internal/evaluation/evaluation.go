// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation computes the retrieval and clustering metrics of an embedding network:
// Recall@K of the query set against the gallery, and NMI and F1 of a k-means clustering of both.
//
// Embeddings are computed on the accelerator with the model in inference mode, and the metrics on
// the CPU with gonum.
package evaluation

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/network"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Embedder computes the embeddings of all the examples of a dataset.
type Embedder struct {
	exec *context.Exec
}

// NewEmbedder returns an Embedder for the network, using the variables in ctx. Variables not yet
// created (or loaded from a checkpoint) are initialized.
func NewEmbedder(backend backends.Backend, ctx *context.Context, net *network.Network) (*Embedder, error) {
	exec, err := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		return net.Embed(ctx, images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building embedding graph")
	}
	return &Embedder{exec: exec}, nil
}

// Embed reads ds until io.EOF and returns the embeddings, shaped [num_examples, embed_dim], and the
// labels of the examples. The dataset is reset afterward.
func (e *Embedder) Embed(ds train.Dataset) (*mat.Dense, []int32, error) {
	var (
		data   []float64
		labels []int32
		dim    int
	)
	for {
		_, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		embeddings, err := e.exec.Exec1(inputs[0])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "computing embeddings of %q", ds.Name())
		}
		dim = embeddings.Shape().Dim(1)
		for _, v := range tensors.MustCopyFlatData[float32](embeddings) {
			data = append(data, float64(v))
		}
		labels = append(labels, tensors.MustCopyFlatData[int32](batchLabels[0])...)
		finalize(inputs, batchLabels, []*tensors.Tensor{embeddings})
	}
	ds.Reset()
	if len(labels) == 0 {
		return nil, nil, errors.Errorf("dataset %q yielded no examples", ds.Name())
	}
	return mat.NewDense(len(labels), dim, data), labels, nil
}

// finalize frees the tensors immediately, instead of waiting for the garbage collector.
func finalize(tensorLists ...[]*tensors.Tensor) {
	for _, list := range tensorLists {
		for _, t := range list {
			if t != nil {
				_ = t.FinalizeAll()
			}
		}
	}
}

// Result holds the metrics of one evaluation.
type Result struct {
	Epoch int
	Time  time.Duration

	// Ks are the K values of Recall, and Recall[i] is Recall@Ks[i].
	Ks     []int
	Recall []float64

	NMI, F1 float64
}

// MetricNames are the names of the metrics logged for each evaluation, in the order of
// Result.Values.
func MetricNames(ks []int) []string {
	names := []string{"Epochs", "Time", "NMI", "F1"}
	for _, k := range ks {
		names = append(names, RecallName(k))
	}
	return names
}

// RecallName is the metric name of Recall@K.
func RecallName(k int) string { return fmt.Sprintf("Recall @ %d", k) }

// Values returns the metrics in the order of MetricNames.
func (r *Result) Values() []float64 {
	values := []float64{float64(r.Epoch), r.Time.Seconds(), r.NMI, r.F1}
	return append(values, r.Recall...)
}

// RecallAt returns Recall@k, or false if k was not evaluated.
func (r *Result) RecallAt(k int) (float64, bool) {
	idx := slices.Index(r.Ks, k)
	if idx < 0 {
		return 0, false
	}
	return r.Recall[idx], true
}

// Evaluator computes the metrics of the query and gallery datasets.
type Evaluator struct {
	embedder      *Embedder
	ks            []int
	seed          int64
	maxIterations int
}

// New creates an Evaluator for the network with the Recall@K values and seed of cfg.
func New(backend backends.Backend, ctx *context.Context, net *network.Network, cfg config.Config) (*Evaluator, error) {
	if len(cfg.RecallK) == 0 {
		return nil, errors.New("at least one Recall@K value is required")
	}
	embedder, err := NewEmbedder(backend, ctx, net)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		embedder:      embedder,
		ks:            slices.Clone(cfg.RecallK),
		seed:          cfg.Seed,
		maxIterations: DefaultKMeansIterations,
	}, nil
}

// Embedder returns the Embedder used by the evaluator.
func (e *Evaluator) Embedder() *Embedder { return e.embedder }

// Evaluate embeds the query and gallery datasets and computes the metrics. Both datasets must yield
// their examples in a fixed order, and are reset afterward.
//
// The k-means clustering used by NMI and F1 runs on the union of both sets, with one cluster per
// distinct class, seeded with the seed and the epoch.
func (e *Evaluator) Evaluate(query, gallery train.Dataset, epoch int) (*Result, error) {
	start := time.Now()
	queryEmbeddings, queryLabels, err := e.embedder.Embed(query)
	if err != nil {
		return nil, err
	}
	galleryEmbeddings, galleryLabels, err := e.embedder.Embed(gallery)
	if err != nil {
		return nil, err
	}
	r := &Result{Epoch: epoch, Ks: slices.Clone(e.ks)}
	r.Recall, err = RecallAtK(SquaredDistances(queryEmbeddings, galleryEmbeddings), queryLabels, galleryLabels, e.ks)
	if err != nil {
		return nil, err
	}

	var points mat.Dense
	points.Stack(queryEmbeddings, galleryEmbeddings)
	labels := slices.Concat(queryLabels, galleryLabels)
	numClasses := len(distinct(labels))
	rng := rand.New(rand.NewPCG(uint64(e.seed), uint64(epoch)))
	clustering, err := KMeans(&points, numClasses, rng, e.maxIterations)
	if err != nil {
		return nil, errors.WithMessage(err, "clustering embeddings")
	}
	klog.V(1).Infof("k-means with %d clusters converged after %d iterations", numClasses, clustering.Iterations)
	if r.NMI, err = NMI(clustering.Assignments, labels); err != nil {
		return nil, err
	}
	if r.F1, err = PairwiseF1(clustering.Assignments, labels); err != nil {
		return nil, err
	}
	r.Time = time.Since(start)
	return r, nil
}

func distinct(labels []int32) map[int32]bool {
	set := make(map[int32]bool)
	for _, label := range labels {
		set[label] = true
	}
	return set
}
