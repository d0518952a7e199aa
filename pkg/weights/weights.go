// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package weights stores the pretrained frozen networks, and loads them into a context.Context.
//
// A network is stored as a checkpoints directory (see package checkpoints) holding a single
// checkpoint, with its variables under NetworkScope: the same network can be mounted under any
// scope of a model (e.g. "/encoder" or "/lossnet").
package weights

import (
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NetworkScope is the scope of the variables in a network directory.
const NetworkScope = "network"

// ErrNotFound is returned (wrapped) when a directory doesn't hold a network.
var ErrNotFound = errors.New("network weights not found")

// normalizeScope returns the absolute form of scope, without the trailing separator.
func normalizeScope(scope string) string {
	scope = strings.TrimRight(scope, context.ScopeSeparator)
	if !strings.HasPrefix(scope, context.ScopeSeparator) {
		scope = context.ScopeSeparator + scope
	}
	return scope
}

// relativeName of a variable with the given absolute scope and name, relative to prefix.
// It returns false if the variable is not under prefix.
func relativeName(prefix, scope, name string) (string, bool) {
	full := context.JoinScope(scope, name)
	if prefix == context.ScopeSeparator {
		return full, true
	}
	rel, found := strings.CutPrefix(full, prefix)
	if !found || !strings.HasPrefix(rel, context.ScopeSeparator) {
		return "", false
	}
	return rel, true
}

// splitName splits a relative name like "/conv1_1/weights" into its scope "/conv1_1" and the
// variable name "weights".
func splitName(rel string) (scope, name string) {
	idx := strings.LastIndex(rel, context.ScopeSeparator)
	return rel[:idx], rel[idx+1:]
}

// FromContext returns the values of the variables under scope, keyed by their names relative to
// scope.
func FromContext(ctx *context.Context, scope string) (map[string]*tensors.Tensor, error) {
	prefix := normalizeScope(scope)
	params := make(map[string]*tensors.Tensor)
	for v := range ctx.IterVariables() {
		rel, ok := relativeName(prefix, v.Scope(), v.Name())
		if !ok {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %s", v.ScopeAndName())
		}
		params[rel] = value
	}
	return params, nil
}

// Restore sets the values of the existing variables under scope from params (keyed by names
// relative to scope). Every variable must be provided, with its shape.
func Restore(ctx *context.Context, scope string, params map[string]*tensors.Tensor) error {
	prefix := normalizeScope(scope)
	used := 0
	for v := range ctx.IterVariables() {
		rel, ok := relativeName(prefix, v.Scope(), v.Name())
		if !ok {
			continue
		}
		value, found := params[rel]
		if !found {
			return errors.Errorf("no value for variable %s", v.ScopeAndName())
		}
		if !value.Shape().Equal(v.Shape()) {
			return errors.Errorf("variable %s is shaped %s, but the value is shaped %s",
				v.ScopeAndName(), v.Shape(), value.Shape())
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "variable %s", v.ScopeAndName())
		}
		used++
	}
	if used != len(params) {
		return errors.Errorf("%d values given for scope %q, but only %d variables exist there",
			len(params), prefix, used)
	}
	return nil
}

// WriteNetwork saves the variables under scope of ctx as a network in dir, to be read back with
// ReadNetwork or Loader.MountNetwork. The directory is created if needed, and it must not hold a
// network already.
func WriteNetwork(ctx *context.Context, scope, dir string) error {
	params, err := FromContext(ctx, scope)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		return errors.Errorf("no variables under scope %q to save", scope)
	}
	netCtx := context.New()
	handler, err := checkpoints.Build(netCtx).Dir(dir).Keep(1).ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "network directory %q", dir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return err
	}
	if hasCheckpoints {
		return errors.Errorf("directory %q already holds a network, remove it first", dir)
	}
	for rel, value := range params {
		varScope, name := splitName(rel)
		netCtx.InAbsPath(context.ScopeSeparator+NetworkScope+varScope).
			VariableWithValue(name, value).
			SetTrainable(false)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving network %q", dir)
	}
	klog.V(1).Infof("saved %d variables of scope %q to %q", len(params), scope, dir)
	return nil
}

// ReadNetwork reads the network saved in dir by WriteNetwork, keyed by the variable names relative
// to the network scope. If dir doesn't hold a network, the error wraps ErrNotFound.
func ReadNetwork(dir string) (map[string]*tensors.Tensor, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%q", dir)
		}
		return nil, errors.Wrapf(err, "network directory %q", dir)
	}
	netCtx := context.New()
	handler, err := checkpoints.Build(netCtx).Dir(dir).Immediate().ExcludeAllParams().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "network directory %q", dir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return nil, err
	}
	if !hasCheckpoints {
		return nil, errors.Wrapf(ErrNotFound, "%q has no checkpoint", dir)
	}
	params, err := FromContext(netCtx, NetworkScope)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%q has no variables under scope %q", dir, NetworkScope)
	}
	return params, nil
}
