// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"style_weight":   1e-2,
		"batch_size":     1,
		"train_steps":    int64(100),
		"seed":           uint64(0),
		"quiet":          false,
		"content_layers": "r41",
		"tags":           []string{},
	})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()
	paramsSet, err := ParseContextSettings(ctx,
		"style_weight=0.5;/transform/batch_size=3;train_steps=1_000;seed=7;quiet=true;content_layers=r31,r41;tags=a,b;")
	require.NoError(t, err)
	assert.Equal(t, []string{"style_weight", "/transform/batch_size", "train_steps", "seed", "quiet",
		"content_layers", "tags"}, paramsSet)

	assert.Equal(t, 0.5, context.GetParamOr(ctx, "style_weight", 0.0))
	assert.Equal(t, 1, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 3, context.GetParamOr(ctx.In("transform"), "batch_size", 0))
	assert.Equal(t, int64(1000), context.GetParamOr(ctx, "train_steps", int64(0)))
	assert.Equal(t, uint64(7), context.GetParamOr(ctx, "seed", uint64(0)))
	assert.True(t, context.GetParamOr(ctx, "quiet", false))
	assert.Equal(t, "r31,r41", context.GetParamOr(ctx, "content_layers", ""))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "tags", []string{}))

	for _, bad := range []string{
		"unknown=3",         // Unknown parameter.
		"batch_size=3.14",   // Wrong type.
		"transform/seed=3",  // Relative scope.
		"batch_size",        // No value.
		"file:/nonexistent", // Missing file.
	} {
		_, err = ParseContextSettings(ctx, bad)
		assert.Error(t, err, "setting %q", bad)
	}
}

func TestParseSettingsFile(t *testing.T) {
	ctx := createTestContext()
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Fine-tuning.\nbatch_size=8\n\nstyle_weight=2;seed=3\n"), 0o644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+path+";quiet=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_size", "style_weight", "seed", "quiet"}, paramsSet)
	assert.Equal(t, 8, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 2.0, context.GetParamOr(ctx, "style_weight", 0.0))
	assert.Contains(t, SprintContextSettings(ctx), `"/batch_size": (int) 8`)

	// Settings before the file, and on every line of it, are all reported.
	ctx = createTestContext()
	paramsSet, err = ParseContextSettings(ctx, "quiet=true;file:"+path)
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet", "batch_size", "style_weight", "seed"}, paramsSet)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567*time.Microsecond))
	assert.Equal(t, "12.00ms", FormatDuration(12*time.Millisecond))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
}
