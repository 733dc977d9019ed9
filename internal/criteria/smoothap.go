// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package criteria

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/optim"
	"github.com/pkg/errors"
)

type smoothAP struct {
	samplesPerClass int
	temperature     float64
}

func newSmoothAP(cfg config.Config) (Criterion, *optim.Group, error) {
	if cfg.SamplesPerClass < 2 {
		return nil, nil, errors.Errorf("Smooth-AP requires samples_per_class >= 2, got %d", cfg.SamplesPerClass)
	}
	if cfg.BatchSize%cfg.SamplesPerClass != 0 {
		return nil, nil, errors.Errorf("Smooth-AP requires the batch size (%d) to be a multiple of samples_per_class (%d)",
			cfg.BatchSize, cfg.SamplesPerClass)
	}
	if cfg.SigmoidTemperature <= 0 {
		return nil, nil, errors.Errorf("Smooth-AP requires a positive sigmoid temperature, got %g", cfg.SigmoidTemperature)
	}
	return &smoothAP{samplesPerClass: cfg.SamplesPerClass, temperature: cfg.SigmoidTemperature}, nil, nil
}

func (c *smoothAP) Name() string   { return fmt.Sprintf("smoothap(τ=%g)", c.temperature) }
func (c *smoothAP) Inputs() Inputs { return EmbeddingsOnly }

// Loss implements Criterion. It is 1 - SmoothAveragePrecision.
func (c *smoothAP) Loss(_ *context.Context, embeddings, _ *Node) *Node {
	return OneMinus(SmoothAveragePrecision(embeddings, c.samplesPerClass, c.temperature))
}

// SmoothAveragePrecision returns the mean over the batch of the smoothed average precision of each
// example used as a query against the whole batch.
//
// The batch is made of consecutive blocks of samplesPerClass examples of the same class, so no
// labels are needed. The ranking indicator 1[s_k > s_j] is replaced by sigmoid((s_k - s_j) / temperature),
// where s are dot-product similarities: as temperature goes to 0 it converges to the exact average
// precision.
func SmoothAveragePrecision(embeddings *Node, samplesPerClass int, temperature float64) *Node {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	if embeddings.Rank() != 2 {
		exceptions.Panicf("SmoothAveragePrecision requires embeddings shaped [batch_size, embed_dim], got %s", embeddings.Shape())
	}
	batchSize := embeddings.Shape().Dim(0)
	if samplesPerClass < 1 || batchSize%samplesPerClass != 0 {
		exceptions.Panicf("SmoothAveragePrecision requires batch size (%d) to be a multiple of samplesPerClass (%d)",
			batchSize, samplesPerClass)
	}

	// similarities[i, j] = <e_i, e_j>
	similarities := MatMul(embeddings, Transpose(embeddings, 0, 1))

	// diff[i, j, k] = s[i, k] - s[i, j]: whether k is ranked before j for query i.
	diff := Sub(InsertAxes(similarities, 1), InsertAxes(similarities, 2))
	ranked := Sigmoid(DivScalar(diff, temperature))

	// An item is not ranked against itself.
	notSelf := ConvertDType(LogicalNot(DiagonalWithValue(Const(g, true), batchSize)), dtype)
	ranked = Mul(ranked, InsertAxes(notSelf, 0))

	// allRank[i, j]: smoothed rank of j among all items for query i.
	allRank := AddScalar(ReduceSum(ranked, -1), 1)

	// posRank[i, j]: smoothed rank of j among the positives of query i.
	sameBlock := sameBlockMask(g, batchSize, samplesPerClass, dtype)
	posRank := AddScalar(ReduceSum(Mul(ranked, InsertAxes(sameBlock, 1)), -1), 1)

	// Average precision of each query is the mean over its positives j of posRank/allRank.
	precision := Div(posRank, allRank)
	ap := DivScalar(ReduceSum(Mul(precision, sameBlock), -1), float64(samplesPerClass))
	return ReduceAllMean(ap)
}

// sameBlockMask returns a constant [batchSize, batchSize] matrix with 1 where both indices fall in
// the same block of samplesPerClass.
func sameBlockMask(g *Graph, batchSize, samplesPerClass int, dtype dtypes.DType) *Node {
	mask := make([][]float32, batchSize)
	for i := range mask {
		mask[i] = make([]float32, batchSize)
		for k := range mask[i] {
			if i/samplesPerClass == k/samplesPerClass {
				mask[i][k] = 1
			}
		}
	}
	return ConvertDType(Const(g, mask), dtype)
}
