// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// AdamScope is the scope under which the moments and the step counter of Adam are stored.
	AdamScope = "adam"

	AdamDefaultBeta1   = 0.9
	AdamDefaultBeta2   = 0.999
	AdamDefaultEpsilon = 1e-8
)

// AdamConfig configures the grouped Adam optimizer. Create it with Adam, and call Done when finished.
type AdamConfig struct {
	groups                []Group
	beta1, beta2, epsilon float64
	dtype                 dtypes.DType
}

// Adam returns a builder for an Adam optimizer over the given parameter groups.
//
// Weight decay is coupled: it is added to the gradient (an L2 penalty) before the moments are updated.
func Adam(groups []Group) *AdamConfig {
	return &AdamConfig{
		groups:  groups,
		beta1:   AdamDefaultBeta1,
		beta2:   AdamDefaultBeta2,
		epsilon: AdamDefaultEpsilon,
	}
}

// Betas sets the decay rates of the 1st and 2nd moments.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the denominator stabilizer.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// DType sets the dtype used for the optimizer computation. It defaults to the loss dtype.
func (c *AdamConfig) DType(dtype dtypes.DType) *AdamConfig {
	c.dtype = dtype
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c}
}

type adam struct {
	config AdamConfig
}

// UpdateGraph implements Interface.
func (o *adam) UpdateGraph(ctx *context.Context, loss, lrScale *Node) []VariableGradient {
	grads := Gradients(ctx, loss, o.config.groups)
	g := loss.Graph()
	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = loss.DType()
	}

	// The global step counts training steps, the Adam step is used for the moments bias correction.
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	adamStep := optimizers.IncrementGlobalStepGraph(ctx.In(AdamScope), g, dtype)

	beta1 := Const(g, shapes.CastAsDType(o.config.beta1, dtype))
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(o.config.beta2, dtype))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

	learningRates := make(map[*Group]*Node, len(o.config.groups))
	for _, grad := range grads {
		lr, found := learningRates[grad.Group]
		if !found {
			lr = groupLearningRate(grad.Group, lrScale, dtype)
			learningRates[grad.Group] = lr
		}
		o.applyAdamGraph(ctx, grad, dtype, lr, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
	}
	return grads
}

func (o *adam) applyAdamGraph(ctx *context.Context, vg VariableGradient, dtype dtypes.DType,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	v := vg.Variable
	g := learningRate.Graph()
	m1Var, m2Var := o.getMomentVariables(ctx, v, dtype)
	moment1 := m1Var.ValueGraph(g)
	moment2 := m2Var.ValueGraph(g)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	grad := vg.Gradient
	if grad == nil {
		exceptions.Panicf("missing gradient for variable %q", v.ScopeAndName())
	}
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	if vg.Group.WeightDecay > 0 {
		grad = Add(grad, MulScalar(value, vg.Group.WeightDecay))
	}

	moment1 = Add(
		Mul(beta1, moment1),
		Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	moment2 = Add(
		Mul(beta2, moment2),
		Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)
	debiasedMoment2 := Mul(moment2, debiasTermBeta2)
	denominator := Add(Sqrt(debiasedMoment2), epsilon)

	stepDirection := Div(Mul(learningRate, debiasedMoment1), denominator)
	updated := Sub(value, stepDirection)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// getMomentVariables returns the moment variables of a trainable variable, creating them (zero
// initialized) on first use.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, AdamScope, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	ctx = ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	m1 = ctx.VariableWithShape(trainable.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = ctx.VariableWithShape(trainable.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}
