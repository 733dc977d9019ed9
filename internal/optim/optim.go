// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements optimizers with parameter groups, and the learning-rate schedulers.
//
// A parameter group assigns a learning rate and a weight decay to all trainable variables under a
// context scope. This allows, for instance, the embedding head of a network to be trained with a
// larger learning rate than its backbone, and the trainable parameters of a criterion to have their
// own settings.
//
// The learning rate of every group is multiplied by a scalar "lrScale" fed to the graph at every
// step, so the schedulers can change it without recompiling the training graph.
package optim

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Group of trainable variables sharing the same optimization settings.
type Group struct {
	// Name used for logging.
	Name string

	// Scope is an absolute context scope (e.g. "/model/embedding").
	// A variable belongs to the group with the longest Scope containing it.
	Scope string

	LearningRate float64
	WeightDecay  float64
}

// Contains returns whether the variable scope is Scope or one of its sub-scopes.
func (grp Group) Contains(scope string) bool {
	if grp.Scope == context.RootScope || grp.Scope == scope {
		return true
	}
	return strings.HasPrefix(scope, grp.Scope+context.ScopeSeparator)
}

// FindGroup returns the group with the most specific scope containing scope, or nil if none does.
func FindGroup(groups []Group, scope string) *Group {
	var found *Group
	for ii := range groups {
		grp := &groups[ii]
		if !grp.Contains(scope) {
			continue
		}
		if found == nil || len(grp.Scope) > len(found.Scope) {
			found = grp
		}
	}
	return found
}

// VariableGradient pairs a trainable variable with its gradient in the graph being built, and the group
// it was assigned to.
type VariableGradient struct {
	Variable *context.Variable
	Group    *Group
	Gradient *Node
}

// Interface implemented by the optimizers.
type Interface interface {
	// UpdateGraph builds the update of all trainable variables used in the loss graph.
	// lrScale is a scalar multiplying the learning rate of every group.
	//
	// It returns the gradients used, so callers can inspect them. They are computed before the update.
	UpdateGraph(ctx *context.Context, loss, lrScale *Node) []VariableGradient
}

// KnownOptimizers maps optimizer names to their constructors.
var KnownOptimizers = map[string]func(groups []Group) Interface{
	"adam": func(groups []Group) Interface { return Adam(groups).Done() },
	"sgd":  func(groups []Group) Interface { return SGD(groups) },
}

// New creates the optimizer with the given name.
func New(name string, groups []Group) (Interface, error) {
	newFn, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", name, xslices.SortedKeys(KnownOptimizers))
	}
	if len(groups) == 0 {
		return nil, errors.Errorf("optimizer %q requires at least one parameter group", name)
	}
	return newFn(groups), nil
}

// Gradients of loss with respect to all trainable variables used in its graph, in the order the
// variables were created.
//
// It panics if a variable doesn't belong to any of the groups, or if there are no trainable variables.
func Gradients(ctx *context.Context, loss *Node, groups []Group) []VariableGradient {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	g := loss.Graph()
	var grads []VariableGradient
	var values []*Node
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		grp := FindGroup(groups, v.Scope())
		if grp == nil {
			exceptions.Panicf("trainable variable %q is not in any parameter group (groups: %v)",
				v.ScopeAndName(), xslices.Map(groups, func(grp Group) string { return grp.Scope }))
		}
		grads = append(grads, VariableGradient{Variable: v, Group: grp})
		values = append(values, v.ValueGraph(g))
	}
	if len(grads) == 0 {
		exceptions.Panicf("no trainable variables used by the loss graph")
	}
	for ii, grad := range Gradient(loss, values...) {
		grads[ii].Gradient = grad
	}
	return grads
}

// groupLearningRate is lrScale times the group learning rate, in the given dtype.
func groupLearningRate(grp *Group, lrScale *Node, dtype dtypes.DType) *Node {
	if lrScale.DType() != dtype {
		lrScale = ConvertDType(lrScale, dtype)
	}
	return MulScalar(lrScale, grp.LearningRate)
}
