// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Scheduler returns the factor multiplying every group's learning rate for an epoch (0-based).
//
// Schedulers are pure functions of the epoch, so resuming a run at epoch N reproduces the learning
// rates of an uninterrupted run.
type Scheduler interface {
	Scale(epoch int) float64
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(epoch int) float64

// Scale implements Scheduler.
func (fn SchedulerFunc) Scale(epoch int) float64 { return fn(epoch) }

// KnownSchedulers maps scheduler names to their constructors.
var KnownSchedulers = map[string]func(gamma float64, milestones []int) Scheduler{
	"step": MultiStep,
	"exp": func(gamma float64, _ []int) Scheduler {
		return Exponential(gamma)
	},
	"none": func(float64, []int) Scheduler {
		return Constant()
	},
}

// NewScheduler creates the scheduler with the given name.
func NewScheduler(name string, gamma float64, milestones []int) (Scheduler, error) {
	newFn, found := KnownSchedulers[name]
	if !found {
		return nil, errors.Errorf("unknown scheduler %q, valid values are %q", name, xslices.SortedKeys(KnownSchedulers))
	}
	return newFn(gamma, milestones), nil
}

// MultiStep multiplies the learning rate by gamma once for every milestone already reached.
// Repeated milestones apply gamma repeatedly.
func MultiStep(gamma float64, milestones []int) Scheduler {
	milestones = append([]int(nil), milestones...)
	return SchedulerFunc(func(epoch int) float64 {
		var count int
		for _, m := range milestones {
			if m <= epoch {
				count++
			}
		}
		return math.Pow(gamma, float64(count))
	})
}

// Exponential multiplies the learning rate by gamma every epoch.
func Exponential(gamma float64) Scheduler {
	return SchedulerFunc(func(epoch int) float64 {
		return math.Pow(gamma, float64(epoch))
	})
}

// Constant keeps the learning rate unchanged.
func Constant() Scheduler {
	return SchedulerFunc(func(int) float64 { return 1 })
}
