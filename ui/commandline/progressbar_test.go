// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"context"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/photostyle/pkg/data"
	"github.com/gomlx/photostyle/pkg/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressBar(t *testing.T) {
	ctx := mlctx.New()
	ctx.SetParams(trainer.DefaultParams())
	_, err := ParseContextSettings(ctx, "encoder_widths=2,3,4,5;transform_layer=r11;transform_dim=2;"+
		"style_layers=r11;content_layers=r11;fine_size=4;load_size=4;train_steps=3")
	require.NoError(t, err)
	cfg, err := trainer.ConfigFromContext(ctx)
	require.NoError(t, err)

	flat := make([]float32, 4*4*3)
	for ii := range flat {
		flat[ii] = float32(ii%7) / 7
	}
	img := tensors.FromFlatDataAndDimensions(flat, 4, 4, 3)
	src := data.Repeat(data.Sample{Image: img, Name: "img"})
	tr, err := trainer.New(graphtest.BuildTestBackend(), ctx, cfg, trainer.Paths{Out: t.TempDir()}, src, src)
	require.NoError(t, err)

	var out bytes.Buffer
	var extraCalls int
	attachProgressBar(tr, &out, func() (string, string) {
		extraCalls++
		return "Extra", "value"
	})
	require.NoError(t, tr.Run(context.Background()))
	assert.Contains(t, out.String(), "Matting loss")
	assert.Contains(t, out.String(), "Extra")
	assert.Greater(t, extraCalls, 0)

	var report bytes.Buffer
	blank := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 3))
	result, err := tr.Evaluate(blank, blank)
	require.NoError(t, err)
	require.NoError(t, ReportResult(&report, result))
	assert.Contains(t, report.String(), "Results at step 3:")
}
