// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package criteria

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/optim"
)

type tripletLoss struct {
	margin  float64
	sampler Sampler
}

func newTriplet(cfg config.Config) (Criterion, *optim.Group, error) {
	sampler, err := NewSampler(cfg)
	if err != nil {
		return nil, nil, err
	}
	return &tripletLoss{margin: cfg.Margin, sampler: sampler}, nil, nil
}

func (c *tripletLoss) Name() string {
	return fmt.Sprintf("triplet/%s(margin=%g)", c.sampler.Name(), c.margin)
}
func (c *tripletLoss) Inputs() Inputs { return EmbeddingsAndLabels }

// Loss implements Criterion: relu(‖a-p‖² - ‖a-n‖² + margin), averaged over the anchors that have
// a valid triplet.
func (c *tripletLoss) Loss(ctx *context.Context, embeddings, labels *Node) *Node {
	dtype := embeddings.DType()
	triplets := SampleTriplets(ctx, c.sampler, PairwiseDistances(embeddings), labels)
	squared := PairwiseSquaredDistances(embeddings)
	anchorPositive := ReduceSum(Mul(triplets.Positives, squared), 1)
	anchorNegative := ReduceSum(Mul(triplets.Negatives, squared), 1)
	losses := activations.Relu(AddScalar(Sub(anchorPositive, anchorNegative), c.margin))
	return maskedMean(losses, ConvertDType(triplets.Valid, dtype))
}

// maskedMean returns the mean of the values where weights is 1, or 0 if there are none.
func maskedMean(values, weights *Node) *Node {
	count := MaxScalar(ReduceAllSum(weights), 1)
	return Div(ReduceAllSum(Mul(values, weights)), count)
}
