// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package criteria implements the metric-learning losses and the triplet sampling policies.
//
// The loss is resolved once at startup with Select, which returns a Criterion. The training loop
// only looks at Criterion.Inputs to decide what to feed it: it never branches on the loss name.
//
// Losses:
//
//   - "smoothap": Smooth-AP (Brown et al., 2020), a differentiable approximation of the mean average
//     precision of the batch. Batches must be made of consecutive blocks of samples_per_class
//     examples of the same class.
//   - "triplet": triplet loss on squared Euclidean distances, one triplet sampled per anchor.
//   - "margin": margin-based loss (Wu et al., 2017) with a trainable class boundary beta.
//
// Sampling policies for "triplet" and "margin": "random", "semihard" and "distance" (distance
// weighted sampling, Wu et al., 2017).
package criteria

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/optim"
	"github.com/pkg/errors"
)

// Scope where criteria store their trainable variables.
const Scope = "criterion"

// Inputs describes what a Criterion needs besides the embeddings.
type Inputs int

const (
	// EmbeddingsOnly criteria rely on the batch block structure instead of the labels.
	EmbeddingsOnly Inputs = iota

	// EmbeddingsAndLabels criteria need the label of each example.
	EmbeddingsAndLabels
)

func (i Inputs) String() string {
	switch i {
	case EmbeddingsOnly:
		return "EmbeddingsOnly"
	case EmbeddingsAndLabels:
		return "EmbeddingsAndLabels"
	}
	return "Inputs(?)"
}

// Criterion is a metric-learning loss.
type Criterion interface {
	// Name of the loss, including the sampling policy if any.
	Name() string

	// Inputs declares whether Loss uses the labels.
	Inputs() Inputs

	// Loss returns the scalar loss of a batch of embeddings, shaped [batch_size, embed_dim].
	// labels is shaped [batch_size] and is nil for EmbeddingsOnly criteria.
	Loss(ctx *context.Context, embeddings, labels *Node) *Node
}

// KnownLosses maps the loss names to their constructors.
// Constructors return the parameter group of the criterion variables, or nil if it has none.
var KnownLosses = map[string]func(cfg config.Config) (Criterion, *optim.Group, error){
	"smoothap": newSmoothAP,
	"triplet":  newTriplet,
	"margin":   newMargin,
}

// Select returns the criterion configured in cfg, and the parameter groups extended with the
// criterion's own group.
func Select(cfg config.Config, groups []optim.Group) (Criterion, []optim.Group, error) {
	newFn, found := KnownLosses[cfg.Loss]
	if !found {
		return nil, nil, errors.Errorf("unknown loss %q, valid values are %q", cfg.Loss, xslices.SortedKeys(KnownLosses))
	}
	criterion, group, err := newFn(cfg)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loss %q", cfg.Loss)
	}
	groups = slices.Clone(groups)
	if group != nil {
		groups = append(groups, *group)
	}
	return criterion, groups, nil
}

// criterionContext returns the context where criteria create their variables, independent of the
// scope of ctx.
func criterionContext(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(context.ScopeSeparator + Scope)
}
