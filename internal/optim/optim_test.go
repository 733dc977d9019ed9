// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testGroups(backboneLR, embeddingLR, decay float64) []Group {
	return []Group{
		{Name: "backbone", Scope: "/model", LearningRate: backboneLR, WeightDecay: decay},
		{Name: "embedding", Scope: "/model/embedding", LearningRate: embeddingLR, WeightDecay: decay},
	}
}

func TestFindGroup(t *testing.T) {
	groups := append(testGroups(1, 2, 0), Group{Name: "criterion", Scope: "/criterion"})
	assert.Equal(t, "backbone", FindGroup(groups, "/model").Name)
	assert.Equal(t, "backbone", FindGroup(groups, "/model/conv_0").Name)
	assert.Equal(t, "embedding", FindGroup(groups, "/model/embedding").Name)
	assert.Equal(t, "embedding", FindGroup(groups, "/model/embedding/dense").Name)
	assert.Equal(t, "backbone", FindGroup(groups, "/model/embedding_extra").Name)
	assert.Equal(t, "criterion", FindGroup(groups, "/criterion").Name)
	assert.Nil(t, FindGroup(groups, "/other"))

	root := []Group{{Name: "all", Scope: context.RootScope}}
	assert.Equal(t, "all", FindGroup(root, "/anything/below").Name)
}

func TestNew(t *testing.T) {
	_, err := New("adam", testGroups(1, 1, 0))
	require.NoError(t, err)
	_, err = New("sgd", testGroups(1, 1, 0))
	require.NoError(t, err)
	_, err = New("rmsprop", testGroups(1, 1, 0))
	require.ErrorContains(t, err, "unknown optimizer")
	_, err = New("adam", nil)
	require.Error(t, err)
}

// quadraticExec builds a training step minimizing (x-3)² + (w-3)², with x in the backbone group and w
// in the embedding group.
func quadraticExec(t *testing.T, opt Interface, initial float32) (*context.Context, *context.Exec, func() (x, w float32)) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	var xVar, wVar *context.Variable
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, lrScale *Node) *Node {
		xVar = ctx.In("model").VariableWithValue("x", initial)
		wVar = ctx.In("model").In("embedding").VariableWithValue("w", initial)
		g := lrScale.Graph()
		x, w := xVar.ValueGraph(g), wVar.ValueGraph(g)
		loss := Add(Square(AddScalar(x, -3)), Square(AddScalar(w, -3)))
		opt.UpdateGraph(ctx, loss, lrScale)
		return loss
	})
	require.NoError(t, err)
	values := func() (x, w float32) {
		return tensors.ToScalar[float32](xVar.MustValue()), tensors.ToScalar[float32](wVar.MustValue())
	}
	return ctx, exec, values
}

func TestAdamGroups(t *testing.T) {
	// The first Adam step moves each parameter by its learning rate, in the direction of the gradient sign.
	ctx, exec, values := quadraticExec(t, Adam(testGroups(0.01, 0.05, 0)).Done(), 0)
	exec.MustExec(float32(1))
	x, w := values()
	assert.InDelta(t, 0.01, x, 1e-5)
	assert.InDelta(t, 0.05, w, 1e-5)
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))

	// lrScale multiplies every group.
	exec.MustExec(float32(0.5))
	x2, w2 := values()
	assert.InDelta(t, 0.005, x2-x, 1e-4)
	assert.InDelta(t, 0.025, w2-w, 1e-4)
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))
}

func TestZeroLearningRateKeepsParameters(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		t.Run(name, func(t *testing.T) {
			opt, err := New(name, testGroups(0.1, 0.1, 0.01))
			require.NoError(t, err)
			_, exec, values := quadraticExec(t, opt, 1)
			for range 3 {
				exec.MustExec(float32(0))
			}
			x, w := values()
			assert.Equal(t, float32(1), x)
			assert.Equal(t, float32(1), w)
		})
	}
}

func TestAdamConverges(t *testing.T) {
	_, exec, values := quadraticExec(t, Adam(testGroups(0.1, 0.1, 0)).Done(), 0)
	first := tensors.ToScalar[float32](exec.MustExec(float32(1))[0])
	var last float32
	for range 200 {
		last = tensors.ToScalar[float32](exec.MustExec(float32(1))[0])
	}
	assert.Less(t, last, first/100)
	x, w := values()
	assert.InDelta(t, 3, x, 0.1)
	assert.InDelta(t, 3, w, 0.1)
}

func TestSGDWeightDecay(t *testing.T) {
	// x=1: grad = 2(x-3) + 0.5·x = -3.5, so x ← 1 + 0.1·3.5.
	_, exec, values := quadraticExec(t, SGD(testGroups(0.1, 0.1, 0.5)), 1)
	exec.MustExec(float32(1))
	x, w := values()
	assert.InDelta(t, 1.35, x, 1e-5)
	assert.InDelta(t, 1.35, w, 1e-5)
}

func TestUngroupedVariablePanics(t *testing.T) {
	groups := []Group{{Name: "criterion", Scope: "/criterion", LearningRate: 1}}
	_, exec, _ := quadraticExec(t, Adam(groups).Done(), 0)
	require.Panics(t, func() { exec.MustExec(float32(1)) })
}

func TestSchedulers(t *testing.T) {
	step, err := NewScheduler("step", 0.3, []int{200, 300, 300, 120})
	require.NoError(t, err)
	assert.Equal(t, 1.0, step.Scale(0))
	assert.Equal(t, 1.0, step.Scale(119))
	assert.InDelta(t, 0.3, step.Scale(120), 1e-12)
	assert.InDelta(t, 0.09, step.Scale(250), 1e-12)
	assert.InDelta(t, math.Pow(0.3, 4), step.Scale(300), 1e-12)
	assert.InDelta(t, math.Pow(0.3, 4), step.Scale(1000), 1e-12)

	exp, err := NewScheduler("exp", 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, exp.Scale(0))
	assert.Equal(t, 0.125, exp.Scale(3))

	none, err := NewScheduler("none", 0.5, []int{1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, none.Scale(10))

	_, err = NewScheduler("cosine", 0.5, nil)
	require.ErrorContains(t, err, "unknown scheduler")
}

func TestMultiStepCopiesMilestones(t *testing.T) {
	milestones := []int{2}
	sched := MultiStep(0.1, milestones)
	milestones[0] = 100
	assert.InDelta(t, 0.1, sched.Scale(2), 1e-12)
}
