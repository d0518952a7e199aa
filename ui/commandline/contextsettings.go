// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings, typically the contents of the "-set" flag.
// The settings are a list separated by ";": e.g.: "batch_size=4;style_weight=0.1".
//
// All the parameters must be already set with default values in the root scope of ctx: the
// type of the default value is the type the string value is parsed to. For integer types "_"
// separators are accepted, e.g.: "train_steps=1_000_000".
//
// A scope can be given with an absolute path: "/transform/transform_dim=16" sets the parameter
// only for the transform scope.
//
// A setting "file:<path>" reads the settings from the file, one or more per line. Empty lines
// and lines starting with "#" are ignored.
//
// It returns the paths of the parameters set.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		if paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet); err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return nil, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set parameter %q: a scope must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errors.Errorf("unknown parameter %q in setting %q", paramName, setting)
	}
	value, err := parseAs(defaultValue, valueStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	if rest, found := strings.CutPrefix(filePath, "~/"); found {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to expand %q", filePath)
		}
		filePath = filepath.Join(home, rest)
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			if paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet); err != nil {
				return nil, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// parseAs parses valueStr to the type of defaultValue.
func parseAs(defaultValue any, valueStr string) (any, error) {
	intStr := strings.ReplaceAll(valueStr, "_", "")
	switch defaultValue.(type) {
	case int:
		v, err := strconv.Atoi(intStr)
		return v, err
	case int64:
		return strconv.ParseInt(intStr, 10, 64)
	case uint64:
		return strconv.ParseUint(intStr, 10, 64)
	case float64:
		return strconv.ParseFloat(valueStr, 64)
	case float32:
		v, err := strconv.ParseFloat(valueStr, 32)
		return float32(v), err
	case bool:
		return strconv.ParseBool(valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	}
	return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
}

// CreateContextSettingsFlag creates a string flag with the given flagName (if empty it will be
// named "set"), whose usage lists the parameters defined in ctx. Parse its value with
// ParseContextSettings after flag.Parse.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set hyperparameters: a list of "param=value" separated by ";". ` +
			`An entry "file:<path>" reads settings from a file, one or more per line. Parameters:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	slices.Sort(parts[1:])
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-prints the current hyperparameters.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	slices.Sort(parts)
	return strings.Join(parts, "\n")
}
