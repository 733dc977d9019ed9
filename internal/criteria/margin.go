// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package criteria

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/optim"
)

// BetaVariable is the name of the trainable class boundary of the margin loss, in Scope.
const BetaVariable = "beta"

type marginLoss struct {
	margin, betaInit float64
	sampler          Sampler
}

func newMargin(cfg config.Config) (Criterion, *optim.Group, error) {
	sampler, err := NewSampler(cfg)
	if err != nil {
		return nil, nil, err
	}
	group := &optim.Group{
		Name:         "criterion",
		Scope:        context.ScopeSeparator + Scope,
		LearningRate: cfg.BetaLearningRate,
	}
	return &marginLoss{margin: cfg.Margin, betaInit: cfg.BetaInit, sampler: sampler}, group, nil
}

func (c *marginLoss) Name() string {
	return fmt.Sprintf("margin/%s(margin=%g, beta=%g)", c.sampler.Name(), c.margin, c.betaInit)
}
func (c *marginLoss) Inputs() Inputs { return EmbeddingsAndLabels }

// Loss implements Criterion: relu(margin + d(a,p) - β) + relu(margin - d(a,n) + β), summed over
// the anchors with a valid triplet and divided by the number of non-zero terms.
func (c *marginLoss) Loss(ctx *context.Context, embeddings, labels *Node) *Node {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	beta := criterionContext(ctx).
		VariableWithValue(BetaVariable, shapes.CastAsDType(c.betaInit, dtype)).
		ValueGraph(g)

	distances := PairwiseDistances(embeddings)
	triplets := SampleTriplets(ctx, c.sampler, distances, labels)
	anchorPositive := ReduceSum(Mul(triplets.Positives, distances), 1)
	anchorNegative := ReduceSum(Mul(triplets.Negatives, distances), 1)
	valid := ConvertDType(triplets.Valid, dtype)

	positiveLoss := Mul(activations.Relu(AddScalar(Sub(anchorPositive, beta), c.margin)), valid)
	negativeLoss := Mul(activations.Relu(AddScalar(Sub(beta, anchorNegative), c.margin)), valid)
	zero := ScalarZero(g, dtype)
	nonZero := Add(
		ReduceAllSum(ConvertDType(GreaterThan(StopGradient(positiveLoss), zero), dtype)),
		ReduceAllSum(ConvertDType(GreaterThan(StopGradient(negativeLoss), zero), dtype)))
	total := Add(ReduceAllSum(positiveLoss), ReduceAllSum(negativeLoss))
	return Div(total, MaxScalar(nonZero, 1))
}
