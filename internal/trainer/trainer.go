// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs the training epochs of an embedding network: for each batch it computes the
// embeddings, the loss selected by the criterion, the gradients, and the optimizer update, in one
// compiled graph.
//
// Instrumentation (progress display, gradient statistics, distance ratios) is attached as Observer
// values, run in priority order after every step and at the end of every epoch.
package trainer

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/smoothap/internal/criteria"
	"github.com/gomlx/smoothap/internal/network"
	"github.com/gomlx/smoothap/internal/optim"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepInfo is passed to the observers after each training step.
type StepInfo struct {
	Epoch int

	// Step within the epoch, starting at 0.
	Step int

	// Loss of the step, and MeanLoss of the epoch so far.
	Loss, MeanLoss float64

	LearningRateScale float64
	Duration          time.Duration

	// GradientNorms holds the L2 norm of the gradients of the trainable variables under each scope
	// requested by a GradientObserver.
	GradientNorms map[string]float64
}

// Summary of a training epoch.
type Summary struct {
	Epoch    int
	Steps    int
	Time     time.Duration
	MeanLoss float64
}

// MetricNames are the names of the values logged for each training epoch, in the order of
// Summary.Values.
func MetricNames() []string { return []string{"Epochs", "Time", "Train Loss"} }

// Values returns the summary in the order of MetricNames.
func (s *Summary) Values() []float64 {
	return []float64{float64(s.Epoch), math.Round(s.Time.Seconds()*1e4) / 1e4, s.MeanLoss}
}

// Observer is notified of the progress of the training.
type Observer interface {
	OnStep(info *StepInfo) error
	OnEpochEnd(summary *Summary) error
}

// GradientObserver is an Observer that also requests the norm of the gradients under some scopes
// (absolute, e.g. "/model/embedding"), delivered in StepInfo.GradientNorms.
type GradientObserver interface {
	Observer
	GradientScopes() []string
}

// Priority of observers, the lowest values are run first.
type Priority int

type namedObserver struct {
	name     string
	priority Priority
	observer Observer
}

// Trainer trains the network with the criterion and optimizer.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	net       *network.Network
	criterion criteria.Criterion
	optimizer optim.Interface

	observers []namedObserver
	exec      *context.Exec
	scopes    []string
}

// New creates a Trainer. The variables of the network and criterion are created in ctx on the first
// step, unless they already exist (or are loaded from a checkpoint).
func New(backend backends.Backend, ctx *context.Context, net *network.Network, criterion criteria.Criterion,
	optimizer optim.Interface) *Trainer {
	return &Trainer{
		backend:   backend,
		ctx:       ctx,
		net:       net,
		criterion: criterion,
		optimizer: optimizer,
	}
}

// AddObserver registers an observer with a name (for error reporting) and a priority. Observers
// must be added before the first epoch is trained.
func (t *Trainer) AddObserver(name string, priority Priority, observer Observer) {
	if t.exec != nil {
		exceptions.Panicf("Trainer.AddObserver(%q) called after training started", name)
	}
	t.observers = append(t.observers, namedObserver{name: name, priority: priority, observer: observer})
	slices.SortStableFunc(t.observers, func(a, b namedObserver) int { return int(a.priority) - int(b.priority) })
}

// buildExec compiles the train step for the criterion and the requested gradient scopes.
func (t *Trainer) buildExec() error {
	scopeSet := make(map[string]bool)
	for _, obs := range t.observers {
		if gradObs, ok := obs.observer.(GradientObserver); ok {
			for _, scope := range gradObs.GradientScopes() {
				scopeSet[scope] = true
			}
		}
	}
	t.scopes = t.scopes[:0]
	for scope := range scopeSet {
		t.scopes = append(t.scopes, scope)
	}
	slices.Sort(t.scopes)

	var err error
	t.exec, err = context.NewExec(t.backend, t.ctx.Checked(false), t.stepGraph)
	if err != nil {
		return errors.WithMessage(err, "building train step")
	}
	return nil
}

// stepGraph takes as inputs the images, the labels and the learning rate scale. It returns the loss
// followed by the gradient norms of the requested scopes.
func (t *Trainer) stepGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, labels, lrScale := inputs[0], inputs[1], inputs[2]
	ctx.SetTraining(images.Graph(), true)
	embeddings := t.net.Embed(ctx, images)
	var loss *Node
	switch t.criterion.Inputs() {
	case criteria.EmbeddingsOnly:
		loss = t.criterion.Loss(ctx, embeddings, nil)
	case criteria.EmbeddingsAndLabels:
		loss = t.criterion.Loss(ctx, embeddings, labels)
	default:
		exceptions.Panicf("criterion %q has unknown inputs %s", t.criterion.Name(), t.criterion.Inputs())
	}
	grads := t.optimizer.UpdateGraph(ctx, loss, lrScale)
	outputs := []*Node{loss}
	for _, scope := range t.scopes {
		outputs = append(outputs, gradientNorm(grads, scope))
	}
	return outputs
}

// gradientNorm is the L2 norm of all gradients of variables under scope.
func gradientNorm(grads []optim.VariableGradient, scope string) *Node {
	grp := optim.Group{Scope: scope}
	var sumSquares *Node
	for _, grad := range grads {
		if !grp.Contains(grad.Variable.Scope()) {
			continue
		}
		s := ReduceAllSum(Square(grad.Gradient))
		if sumSquares == nil {
			sumSquares = s
		} else {
			sumSquares = Add(sumSquares, ConvertDType(s, sumSquares.DType()))
		}
	}
	if sumSquares == nil {
		exceptions.Panicf("no trainable variables under scope %q to measure gradients", scope)
	}
	return Sqrt(sumSquares)
}

// TrainOneEpoch reads ds until io.EOF, training one step per batch with the learning rates of the
// optimizer groups multiplied by lrScale. The dataset is reset afterward.
//
// The dataset must yield the images as inputs and the labels as labels. A non-finite loss aborts
// the epoch with an error.
func (t *Trainer) TrainOneEpoch(ds train.Dataset, epoch int, lrScale float64) (*Summary, error) {
	if t.exec == nil {
		if err := t.buildExec(); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	summary := &Summary{Epoch: epoch}
	var lossSum float64
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading batch %d of %q", summary.Steps, ds.Name())
		}
		if len(inputs) != 1 || len(labels) != 1 {
			return nil, errors.Errorf("dataset %q yielded %d inputs and %d labels, expected images and labels",
				ds.Name(), len(inputs), len(labels))
		}

		stepStart := time.Now()
		var outputs []*tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			outputs = t.exec.MustExec(inputs[0], labels[0], float32(lrScale))
		})
		finalizeAll(inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "train step %d", summary.Steps)
		}
		loss := scalarValue(outputs[0])
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			finalizeAll(outputs)
			return nil, errors.Errorf("non-finite loss %g at step %d, criterion %s", loss, summary.Steps,
				t.criterion.Name())
		}
		lossSum += loss
		info := &StepInfo{
			Epoch:             epoch,
			Step:              summary.Steps,
			Loss:              loss,
			MeanLoss:          lossSum / float64(summary.Steps+1),
			LearningRateScale: lrScale,
			Duration:          time.Since(stepStart),
		}
		if len(t.scopes) > 0 {
			info.GradientNorms = make(map[string]float64, len(t.scopes))
			for ii, scope := range t.scopes {
				info.GradientNorms[scope] = scalarValue(outputs[1+ii])
			}
		}
		finalizeAll(outputs)
		summary.Steps++
		for _, obs := range t.observers {
			if err := obs.observer.OnStep(info); err != nil {
				return nil, errors.WithMessagef(err, "observer %q", obs.name)
			}
		}
	}
	ds.Reset()
	if summary.Steps == 0 {
		return nil, errors.Errorf("dataset %q yielded no batches", ds.Name())
	}
	summary.MeanLoss = lossSum / float64(summary.Steps)
	summary.Time = time.Since(start)
	klog.V(1).Infof("Epoch %d: %d steps in %s, mean loss %.4f", epoch, summary.Steps, summary.Time, summary.MeanLoss)
	for _, obs := range t.observers {
		if err := obs.observer.OnEpochEnd(summary); err != nil {
			return nil, errors.WithMessagef(err, "observer %q", obs.name)
		}
	}
	return summary, nil
}

// scalarValue converts a scalar tensor of any float dtype to float64.
func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	exceptions.Panicf("expected a float scalar, got %s", t.Shape())
	return 0
}

func finalizeAll(tensorLists ...[]*tensors.Tensor) {
	for _, list := range tensorLists {
		for _, t := range list {
			if t == nil {
				continue
			}
			if err := t.FinalizeAll(); err != nil {
				klog.Warningf("finalizing tensor: %+v", err)
			}
		}
	}
}

// String implements fmt.Stringer.
func (s *Summary) String() string {
	return fmt.Sprintf("Epoch (Train) %d: Mean Loss [%.4f]", s.Epoch, s.MeanLoss)
}
