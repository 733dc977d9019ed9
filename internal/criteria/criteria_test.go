// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package criteria

import (
	"fmt"
	"github.com/janpfeifer/must"
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/optim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// circleEmbeddings returns 2D unit vectors at the given angles.
func circleEmbeddings(angles ...float64) [][]float32 {
	embeddings := make([][]float32, len(angles))
	for ii, angle := range angles {
		embeddings[ii] = []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}
	}
	return embeddings
}

// testEmbeddings returns batchSize deterministic L2-normalized embeddings of dimension dim, where
// rows 0 and 1 are identical.
func testEmbeddings(batchSize, dim int) [][]float32 {
	embeddings := make([][]float32, batchSize)
	for ii := range embeddings {
		row := make([]float32, dim)
		var norm float64
		for jj := range row {
			v := math.Sin(float64(ii*dim+jj)*1.37) + 0.1*float64(jj%3)
			row[jj] = float32(v)
			norm += v * v
		}
		for jj := range row {
			row[jj] /= float32(math.Sqrt(norm))
		}
		embeddings[ii] = row
	}
	copy(embeddings[1], embeddings[0])
	return embeddings
}

func testConfig(loss, sampling string) config.Config {
	cfg := config.Default()
	cfg.Loss = loss
	cfg.Sampling = sampling
	cfg.BatchSize = 8
	cfg.SamplesPerClass = 2
	cfg.EmbedDim = 4
	cfg.SigmoidTemperature = 0.1
	return cfg
}

func TestSelect(t *testing.T) {
	groups := []optim.Group{{Name: "model", Scope: "/model", LearningRate: 1}}
	for _, loss := range []string{"smoothap", "triplet", "margin"} {
		criterion, newGroups, err := Select(testConfig(loss, "distance"), groups)
		require.NoError(t, err, loss)
		assert.Contains(t, criterion.Name(), loss)
		if loss == "margin" {
			require.Len(t, newGroups, 2)
			assert.Equal(t, "/criterion", newGroups[1].Scope)
			assert.Equal(t, 0.0005, newGroups[1].LearningRate)
			assert.Zero(t, newGroups[1].WeightDecay)
		} else {
			require.Len(t, newGroups, 1)
		}
	}
	require.Len(t, groups, 1, "Select must not modify the given groups")

	smoothAP, _, err := Select(testConfig("smoothap", ""), groups)
	require.NoError(t, err, "sampling is ignored by smoothap")
	assert.Equal(t, EmbeddingsOnly, smoothAP.Inputs())
	triplet, _, err := Select(testConfig("triplet", "semihard"), groups)
	require.NoError(t, err)
	assert.Equal(t, EmbeddingsAndLabels, triplet.Inputs())

	_, _, err = Select(testConfig("contrastive", "random"), groups)
	require.ErrorContains(t, err, "unknown loss \"contrastive\"")
	require.ErrorContains(t, err, "smoothap")
	_, _, err = Select(testConfig("triplet", "hardest"), groups)
	require.ErrorContains(t, err, "unknown sampling \"hardest\"")
	require.ErrorContains(t, err, "semihard")

	cfg := testConfig("smoothap", "")
	cfg.SamplesPerClass = 1
	_, _, err = Select(cfg, groups)
	require.ErrorContains(t, err, "samples_per_class")
}

func TestPairwiseDistances(t *testing.T) {
	graphtest.RunTestGraphFn(t, "PairwiseDistances", func(g *Graph) (inputs, outputs []*Node) {
		embeddings := Const(g, [][]float32{{0, 0}, {3, 4}, {0, 1}})
		inputs = []*Node{embeddings}
		outputs = []*Node{PairwiseDistances(embeddings), PairwiseSquaredDistances(embeddings)}
		return
	}, []any{
		[][]float32{{0, 5, 1}, {5, 0, float32(math.Sqrt(18))}, {1, float32(math.Sqrt(18)), 0}},
		[][]float32{{0, 25, 1}, {25, 0, 18}, {1, 18, 0}},
	}, 1e-4)
}

func execSmoothAP(t *testing.T, embeddings [][]float32, samplesPerClass int, temperature float64) float64 {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(x *Node) *Node {
		return SmoothAveragePrecision(x, samplesPerClass, temperature)
	})
	return float64(tensors.ToScalar[float32](exec.MustExec(embeddings)[0]))
}

func TestSmoothAveragePrecisionTemperature(t *testing.T) {
	// Two well separated classes: the exact AP is 1.
	separated := circleEmbeddings(0, 0.3, 1.57, 1.87)
	previous := 0.0
	for _, temperature := range []float64{0.5, 0.1, 0.01, 0.001} {
		ap := execSmoothAP(t, separated, 2, temperature)
		fmt.Printf("\tSmoothAP(τ=%g)=%.6f\n", temperature, ap)
		assert.GreaterOrEqual(t, ap, previous-1e-6, "τ=%g", temperature)
		assert.LessOrEqual(t, ap, 1.0+1e-6)
		previous = ap
	}
	assert.InDelta(t, 1.0, previous, 1e-4)
}

// exactAveragePrecision is the mean over queries of the average precision, where the positives of a
// query are its block of samplesPerClass (including itself).
func exactAveragePrecision(embeddings [][]float32, samplesPerClass int) float64 {
	batchSize := len(embeddings)
	sim := func(i, k int) float64 {
		var s float64
		for d := range embeddings[i] {
			s += float64(embeddings[i][d]) * float64(embeddings[k][d])
		}
		return s
	}
	var total float64
	for i := range batchSize {
		block := i / samplesPerClass
		var ap float64
		for j := block * samplesPerClass; j < (block+1)*samplesPerClass; j++ {
			allRank, posRank := 1, 1
			for k := range batchSize {
				if k == j || sim(i, k) <= sim(i, j) {
					continue
				}
				allRank++
				if k/samplesPerClass == block {
					posRank++
				}
			}
			ap += float64(posRank) / float64(allRank)
		}
		total += ap / float64(samplesPerClass)
	}
	return total / float64(batchSize)
}

func TestSmoothAveragePrecisionConvergesToExact(t *testing.T) {
	embeddings := circleEmbeddings(0, 0.7, 0.25, 1.3, 0.55, 2.1)
	want := exactAveragePrecision(embeddings, 2)
	assert.InDelta(t, 0.711111, want, 1e-5)
	assert.InDelta(t, want, execSmoothAP(t, embeddings, 2, 1e-3), 1e-3)
	assert.Greater(t, math.Abs(want-execSmoothAP(t, embeddings, 2, 0.5)), 0.1)
}

func TestFiniteGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	labels := []int32{0, 0, 1, 1, 2, 2, 3, 3}
	embeddings := testEmbeddings(len(labels), 4)
	for _, loss := range []string{"smoothap", "triplet", "margin"} {
		for _, sampling := range []string{"random", "semihard", "distance"} {
			if loss == "smoothap" && sampling != "random" {
				continue
			}
			t.Run(loss+"/"+sampling, func(t *testing.T) {
				criterion, _, err := Select(testConfig(loss, sampling), nil)
				require.NoError(t, err)
				ctx := context.New()
				must.M(ctx.SetRNGStateFromSeed(42))
				exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x, labels *Node) []*Node {
					var labelsNode *Node
					if criterion.Inputs() == EmbeddingsAndLabels {
						labelsNode = labels
					}
					lossNode := criterion.Loss(ctx, x, labelsNode)
					return []*Node{lossNode, Gradient(lossNode, x)[0]}
				})
				for range 3 {
					outputs := exec.MustExec(embeddings, labels)
					lossValue := tensors.ToScalar[float32](outputs[0])
					require.False(t, math.IsNaN(float64(lossValue)) || math.IsInf(float64(lossValue), 0), "loss=%g", lossValue)
					assert.GreaterOrEqual(t, lossValue, float32(0))
					for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
						require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "gradient has %g", v)
					}
				}
			})
		}
	}
}

func TestSamplersPickValidTriplets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Anchor 7 has no positive.
	labels := []int32{0, 0, 0, 1, 1, 2, 2, 3}
	embeddings := testEmbeddings(len(labels), 4)
	for _, sampling := range []string{"random", "semihard", "distance"} {
		t.Run(sampling, func(t *testing.T) {
			sampler, err := NewSampler(testConfig("triplet", sampling))
			require.NoError(t, err)
			ctx := context.New()
			must.M(ctx.SetRNGStateFromSeed(7))
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x, labels *Node) []*Node {
				triplets := SampleTriplets(ctx, sampler, PairwiseDistances(x), labels)
				return []*Node{
					ArgMax(triplets.Positives, 1),
					ArgMax(triplets.Negatives, 1),
					triplets.Valid,
				}
			})
			for range 10 {
				outputs := exec.MustExec(embeddings, labels)
				positives := outputs[0].Value().([]int32)
				negatives := outputs[1].Value().([]int32)
				valid := outputs[2].Value().([]bool)
				for anchor, label := range labels {
					assert.NotEqual(t, label, labels[negatives[anchor]], "anchor %d picked negative %d", anchor, negatives[anchor])
					if anchor == 7 {
						assert.False(t, valid[anchor])
						continue
					}
					assert.True(t, valid[anchor])
					assert.Equal(t, label, labels[positives[anchor]], "anchor %d picked positive %d", anchor, positives[anchor])
					assert.NotEqual(t, anchor, int(positives[anchor]))
				}
			}
		})
	}
}

func TestSemihardIsGreedy(t *testing.T) {
	// Anchor 0 and positive 1 are at distance ~0.2; negatives 2 (~0.3) and 3 (~0.35) are within a
	// margin of 0.2, negative 4 (~0.6) is not. The semihard negative of anchor 0 is always 2.
	backend := graphtest.BuildTestBackend()
	labels := []int32{0, 0, 1, 1, 2}
	embeddings := circleEmbeddings(0, 0.2, 0.3, 0.35, 0.6)
	cfg := testConfig("triplet", "semihard")
	cfg.Margin = 0.2
	sampler, err := NewSampler(cfg)
	require.NoError(t, err)
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(1))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x, labels *Node) *Node {
		return ArgMax(SampleTriplets(ctx, sampler, PairwiseDistances(x), labels).Negatives, 1)
	})
	for range 5 {
		negatives := exec.MustExec(embeddings, labels)[0].Value().([]int32)
		assert.Equal(t, int32(2), negatives[0])
	}
}

func TestMarginBetaIsTrainable(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	criterion, groups, err := Select(testConfig("margin", "random"), []optim.Group{{Name: "model", Scope: "/model"}})
	require.NoError(t, err)
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(3))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x, labels *Node) *Node {
		return criterion.Loss(ctx, x, labels)
	})
	exec.MustExec(testEmbeddings(8, 4), []int32{0, 0, 1, 1, 2, 2, 3, 3})
	beta := ctx.GetVariableByScopeAndName("/"+Scope, BetaVariable)
	require.NotNil(t, beta)
	assert.True(t, beta.Trainable)
	assert.InDelta(t, 1.2, tensors.ToScalar[float32](beta.MustValue()), 1e-6)
	assert.Equal(t, "criterion", optim.FindGroup(groups, beta.Scope()).Name)
}
