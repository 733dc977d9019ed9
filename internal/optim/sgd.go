// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// SGD returns a plain stochastic gradient descent optimizer over the given parameter groups:
// θ ← θ - lr·(∇θ + decay·θ).
func SGD(groups []Group) Interface {
	return &sgd{groups: groups}
}

type sgd struct {
	groups []Group
}

// UpdateGraph implements Interface.
func (o *sgd) UpdateGraph(ctx *context.Context, loss, lrScale *Node) []VariableGradient {
	grads := Gradients(ctx, loss, o.groups)
	g := loss.Graph()
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, loss.DType())
	for _, vg := range grads {
		v := vg.Variable
		value := v.ValueGraph(g)
		grad := vg.Gradient
		if grad.DType() != value.DType() {
			grad = ConvertDType(grad, value.DType())
		}
		if vg.Group.WeightDecay > 0 {
			grad = Add(grad, MulScalar(value, vg.Group.WeightDecay))
		}
		lr := groupLearningRate(vg.Group, lrScale, value.DType())
		v.SetValueGraph(Sub(value, Mul(lr, grad)))
	}
	return grads
}
