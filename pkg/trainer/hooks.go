// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks, called before the first step of Run.
type OnStartFn func(t *Trainer) error

// OnStepFn is the type of OnStep hooks, called after each completed step of Run.
type OnStepFn func(t *Trainer, result Result) error

// OnEndFn is the type of OnEnd hooks, called when Run finishes. runErr is the error Run is
// going to return (nil if training finished normally).
type OnEndFn func(t *Trainer, runErr error) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[F any] struct {
	hooks map[Priority][]hookWithName[F]
}

func newPriorityHooks[F any]() *priorityHooks[F] {
	return &priorityHooks[F]{hooks: make(map[Priority][]hookWithName[F])}
}

// Add hook at the given priority.
func (h *priorityHooks[F]) Add(priority Priority, name string, fn F) {
	h.hooks[priority] = append(h.hooks[priority], hookWithName[F]{name: name, fn: fn})
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[F]) All() iter.Seq[hookWithName[F]] {
	return func(yield func(hookWithName[F]) bool) {
		priorities := maps.Keys(h.hooks)
		slices.Sort(priorities)
		for _, priority := range priorities {
			for _, hook := range h.hooks[priority] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of Run.
func (t *Trainer) OnStart(name string, priority Priority, fn OnStartFn) {
	t.onStart.Add(priority, name, fn)
}

// OnStep adds a hook with given priority and name (for error reporting) called after each
// completed step of Run. Skipped iterations don't call it.
func (t *Trainer) OnStep(name string, priority Priority, fn OnStepFn) {
	t.onStep.Add(priority, name, fn)
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of Run.
// It's called also when Run is interrupted.
func (t *Trainer) OnEnd(name string, priority Priority, fn OnEndFn) {
	t.onEnd.Add(priority, name, fn)
}

// OnState adds a function called at every state transition, see State.
func (t *Trainer) OnState(fn func(State)) {
	t.onState = append(t.onState, fn)
}

func (t *Trainer) start() error {
	for hook := range t.onStart.All() {
		if err := hook.fn(t); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) postStep(result Result) error {
	for hook := range t.onStep.All() {
		if err := hook.fn(t, result); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) end(runErr error) error {
	for hook := range t.onEnd.All() {
		if err := hook.fn(t, runErr); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}
