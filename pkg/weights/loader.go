// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Loader implements context.Loader: variables are loaded from networks mounted under a scope,
// the first time the model asks for them.
//
// Create it with NewLoader, mount the networks and Attach it to the context before building any graph.
type Loader struct {
	mu sync.Mutex

	// pending values, keyed by the absolute variable scope and name.
	pending map[string]*tensors.Tensor

	// provided holds the variables already handed to a context.
	provided map[string]bool

	prev context.Loader
}

var _ context.Loader = (*Loader)(nil)

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{
		pending:  make(map[string]*tensors.Tensor),
		provided: make(map[string]bool),
	}
}

// Mount makes params (keyed by names relative to scope, see FromContext) available to the
// variables under scope.
func (l *Loader) Mount(scope string, params map[string]*tensors.Tensor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := normalizeScope(scope)
	if prefix == context.ScopeSeparator {
		prefix = ""
	}
	for rel, value := range params {
		l.pending[prefix+rel] = value
	}
}

// MountNetwork reads the network saved in dir (see WriteNetwork) and mounts it under scope.
// It returns the number of tensors mounted.
func (l *Loader) MountNetwork(scope, dir string) (int, error) {
	params, err := ReadNetwork(dir)
	if err != nil {
		return 0, err
	}
	l.Mount(scope, params)
	klog.V(1).Infof("mounted %d tensors from %q under scope %q", len(params), dir, scope)
	return len(params), nil
}

// Attach sets the Loader as ctx's loader. A previously attached loader is still consulted first.
func (l *Loader) Attach(ctx *context.Context) {
	l.prev = ctx.Loader()
	ctx.SetLoader(l)
}

// LoadVariable implements context.Loader.
func (l *Loader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.prev != nil {
		value, found = l.prev.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := context.JoinScope(scope, name)
	value, found = l.pending[key]
	if found {
		delete(l.pending, key)
		l.provided[key] = true
	}
	return
}

// DeleteVariable implements context.Loader.
func (l *Loader) DeleteVariable(ctx *context.Context, scope, name string) error {
	if l.prev != nil {
		if err := l.prev.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := context.JoinScope(scope, name)
	delete(l.pending, key)
	delete(l.provided, key)
	return nil
}

// Missing returns the names of the variables of ctx under scope that were not provided by the
// mounted networks: they hold whatever their initializer gave them. Call it after the graphs using
// those variables are built.
func (l *Loader) Missing(ctx *context.Context, scope string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := normalizeScope(scope)
	var missing []string
	for v := range ctx.IterVariables() {
		if _, ok := relativeName(prefix, v.Scope(), v.Name()); !ok {
			continue
		}
		if !l.provided[v.ScopeAndName()] {
			missing = append(missing, v.ScopeAndName())
		}
	}
	slices.Sort(missing)
	return missing
}

// Unused returns the mounted tensors no variable asked for (yet).
func (l *Loader) Unused() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	unused := maps.Keys(l.pending)
	slices.Sort(unused)
	return unused
}

// CheckComplete returns an error if any variable under the given scopes was not loaded.
//
// Mounted tensors no variable asked for are only logged: an encoder network holds layers deeper
// than the ones a model may use.
func (l *Loader) CheckComplete(ctx *context.Context, scopes ...string) error {
	for _, scope := range scopes {
		if missing := l.Missing(ctx, scope); len(missing) > 0 {
			return errors.Errorf("weights for %d variables under scope %q were not provided, e.g.: %q",
				len(missing), scope, missing[0])
		}
	}
	if unused := l.Unused(); len(unused) > 0 {
		klog.V(1).Infof("%d mounted tensors not used by the model, e.g.: %q", len(unused), unused[0])
	}
	return nil
}
