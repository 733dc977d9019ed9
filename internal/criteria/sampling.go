// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package criteria

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/pkg/errors"
)

// Triplets holds one sampled triplet per anchor (row) of the batch.
type Triplets struct {
	// Positives and Negatives are [batch_size, batch_size] one-hot rows selecting the sampled
	// positive and negative of each anchor. Rows of anchors without a valid triplet are arbitrary.
	Positives, Negatives *Node

	// Valid is a [batch_size] boolean: whether the anchor has at least one positive and one negative.
	Valid *Node
}

// Candidates is what a Sampler prefers as negatives.
type Candidates struct {
	// Mask is a [batch_size, batch_size] boolean with the preferred negatives of each anchor.
	// Anchors whose row is empty fall back to a negative drawn uniformly.
	Mask *Node

	// LogWeights are the (unnormalized) log-probabilities of the candidates.
	LogWeights *Node

	// Greedy selects the candidate with the largest LogWeights instead of sampling.
	Greedy bool
}

// Sampler is a negative sampling policy.
type Sampler interface {
	Name() string

	// Candidates returns the preferred negatives given the pairwise distances, the distance of each
	// anchor to its sampled positive (shaped [batch_size, 1]), and the mask of all negatives.
	Candidates(distances, positiveDistances, negatives *Node) Candidates
}

// KnownSamplers maps the sampling policy names to their constructors.
var KnownSamplers = map[string]func(cfg config.Config) Sampler{
	"random":   func(config.Config) Sampler { return randomSampler{} },
	"semihard": func(cfg config.Config) Sampler { return semihardSampler{margin: cfg.Margin} },
	"distance": func(cfg config.Config) Sampler {
		return distanceSampler{embedDim: cfg.EmbedDim, lowerCutoff: 0.5, upperCutoff: 1.4}
	},
}

// NewSampler returns the sampling policy configured in cfg.
func NewSampler(cfg config.Config) (Sampler, error) {
	newFn, found := KnownSamplers[cfg.Sampling]
	if !found {
		return nil, errors.Errorf("unknown sampling %q, valid values are %q", cfg.Sampling, xslices.SortedKeys(KnownSamplers))
	}
	return newFn(cfg), nil
}

// SampleTriplets samples, for every anchor, a positive uniformly among the other examples of its
// class, and a negative according to the sampler.
//
// Sampling draws from the context random number generator, and doesn't backpropagate.
func SampleTriplets(ctx *context.Context, sampler Sampler, distances, labels *Node) Triplets {
	distances = StopGradient(distances)
	positives, negatives := labelMasks(labels)

	var t Triplets
	t.Valid = And(LogicalAny(positives, 1), LogicalAny(negatives, 1))
	t.Positives = pickOneHot(positives, gumbelNoise(ctx, distances))
	positiveDistances := ReduceAndKeep(Mul(t.Positives, distances), ReduceSum, 1)

	candidates := sampler.Candidates(distances, positiveDistances, negatives)
	mask := And(candidates.Mask, negatives)
	scores := candidates.LogWeights
	if scores == nil {
		scores = ZerosLike(distances)
	}
	if !candidates.Greedy {
		scores = Add(scores, gumbelNoise(ctx, distances))
	}
	preferred := pickOneHot(mask, scores)
	fallback := pickOneHot(negatives, gumbelNoise(ctx, distances))
	t.Negatives = Where(LogicalAny(mask, 1), preferred, fallback)
	return t
}

// gumbelNoise returns noise shaped like x such that the ArgMax of logits plus the noise is a sample of
// the categorical distribution given by the logits.
func gumbelNoise(ctx *context.Context, x *Node) *Node {
	u := ctx.RandomUniform(x.Graph(), shapes.Make(x.DType(), x.Shape().Dimensions...))
	u = ClipScalar(u, 1e-7, 1-1e-7)
	return Neg(Log(Neg(Log(u))))
}

// pickOneHot returns the one-hot row of the largest score among the masked entries of each row.
func pickOneHot(mask, scores *Node) *Node {
	g := scores.Graph()
	dtype := scores.DType()
	batchSize := scores.Shape().Dim(1)
	masked := Where(mask, scores, Scalar(g, dtype, -1e30))
	return OneHot(ArgMax(masked, 1), batchSize, dtype)
}

// randomSampler draws negatives uniformly.
type randomSampler struct{}

func (randomSampler) Name() string { return "random" }

func (randomSampler) Candidates(_, _, negatives *Node) Candidates {
	return Candidates{Mask: negatives}
}

// semihardSampler picks the hardest negative farther than the positive but within the margin:
// d(a,p) < d(a,n) < d(a,p) + margin.
type semihardSampler struct {
	margin float64
}

func (semihardSampler) Name() string { return "semihard" }

func (s semihardSampler) Candidates(distances, positiveDistances, negatives *Node) Candidates {
	mask := And(negatives, And(
		GreaterThan(distances, positiveDistances),
		LessThan(distances, AddScalar(positiveDistances, s.margin))))
	return Candidates{Mask: mask, LogWeights: Neg(distances), Greedy: true}
}

// distanceSampler draws negatives with probability inversely proportional to the density of
// pairwise distances of points uniformly distributed on the unit hypersphere of embedDim
// dimensions, q(d) ∝ d^(n-2) (1 - d²/4)^((n-3)/2).
//
// Distances are clipped below at lowerCutoff, and only negatives closer than upperCutoff are
// candidates.
type distanceSampler struct {
	embedDim                 int
	lowerCutoff, upperCutoff float64
}

func (distanceSampler) Name() string { return "distance" }

func (s distanceSampler) Candidates(distances, _, negatives *Node) Candidates {
	n := float64(s.embedDim)
	d := MaxScalar(distances, s.lowerCutoff)
	oneMinusQuarterSq := MaxScalar(OneMinus(MulScalar(Square(d), 0.25)), 1e-8)
	logWeights := Add(
		MulScalar(Log(d), 2.0-n),
		MulScalar(Log(oneMinusQuarterSq), -(n-3)/2))
	mask := And(negatives, LessThan(distances, Scalar(distances.Graph(), distances.DType(), s.upperCutoff)))
	return Candidates{Mask: mask, LogWeights: logWeights}
}
