package sam

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadVariants(t *testing.T) {
	ctx := context.Background()
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			env := loadedEnv(t, v)
			assert.Equal(t, StateIdle, env.c.State())

			size, err := env.c.InputSize(ctx)
			require.NoError(t, err)
			want := image.Point{X: fakeSide, Y: fakeSide}
			if v == VariantEfficient {
				want = image.Point{X: 1024, Y: 1024}
			}
			assert.Equal(t, want, size)

			mode, err := env.c.Mode(ctx)
			require.NoError(t, err)
			assert.Equal(t, v, mode)

			require.Len(t, env.backend.opts, 2)
			assert.Equal(t, 2, env.backend.opts[0].NumThreads)
			assert.False(t, env.backend.opts[0].UseCuda)
		})
	}
}

func TestLoadDevice(t *testing.T) {
	env := newFakeEnv(t, VariantStandard)
	require.NoError(t, env.c.Load(context.Background(), env.encoder, env.decoder, 0, "cuda:1"))
	assert.True(t, env.backend.opts[0].UseCuda)
	assert.Equal(t, 1, env.backend.opts[0].CudaDeviceID)

	err := env.c.Load(context.Background(), env.encoder, env.decoder, 0, "tpu")
	assert.ErrorIs(t, err, ErrEngineInit)
}

func TestLoadModelFileMissing(t *testing.T) {
	ctx := context.Background()
	env := newFakeEnv(t, VariantStandard)

	err := env.c.Load(ctx, filepath.Join(t.TempDir(), "none.onnx"), env.decoder, 1, "cpu")
	assert.ErrorIs(t, err, ErrModelFileMissing)

	err = env.c.Load(ctx, env.encoder, "", 1, "cpu")
	assert.ErrorIs(t, err, ErrModelFileMissing)

	err = env.c.Load(ctx, t.TempDir(), env.decoder, 1, "cpu")
	assert.ErrorIs(t, err, ErrModelFileMissing)

	_, err = env.c.InputSize(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, env.backend.opts)
}

func TestLoadEngineInit(t *testing.T) {
	env := newFakeEnv(t, VariantStandard)
	env.backend.newSessionHook = func(path string) error {
		if path == env.decoder {
			return errors.New("bad model")
		}
		return nil
	}
	err := env.c.Load(context.Background(), env.encoder, env.decoder, 1, "cpu")
	assert.ErrorIs(t, err, ErrEngineInit)
	// 已创建的 Encoder 会话被释放
	assert.True(t, env.encoderSession().destroyed.Load())
}

func TestLoadShapeMismatch(t *testing.T) {
	cases := []struct {
		name    string
		variant Variant
		mutate  func(enc, dec *fakeModel)
	}{
		{"decoder input renamed", VariantStandard, func(_, dec *fakeModel) {
			dec.inputs[1].Name = "coords"
		}},
		{"decoder extra input", VariantStandard, func(_, dec *fakeModel) {
			dec.inputs = append(dec.inputs, TensorInfo{Name: "extra", Shape: Shape{1}})
		}},
		{"encoder missing output", VariantHighQuality, func(enc, _ *fakeModel) {
			enc.outputs = enc.outputs[:1]
		}},
		{"encoder output renamed", VariantEdge, func(enc, _ *fakeModel) {
			enc.outputs[0].Name = "features"
		}},
		{"decoder output count", VariantEfficient, func(_, dec *fakeModel) {
			dec.outputs = dec.outputs[:2]
		}},
		{"encoder input rank", VariantStandard, func(enc, _ *fakeModel) {
			enc.inputs[0].Shape = Shape{3, fakeSide, fakeSide}
		}},
		{"encoder input dynamic", VariantStandard, func(enc, _ *fakeModel) {
			enc.inputs[0].Shape = Shape{1, 3, -1, -1}
		}},
		{"encoder input channels", VariantEdge, func(enc, _ *fakeModel) {
			enc.inputs[0].Shape = Shape{1, 1, fakeSide, fakeSide}
		}},
		{"interm rank", VariantHighQuality, func(_, dec *fakeModel) {
			dec.inputs[1].Shape = Shape{1, 4, 4, 8}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newFakeEnv(t, tc.variant)
			enc, dec := fakeModels(tc.variant)
			tc.mutate(&enc, &dec)
			env.backend.set(env.encoder, enc)
			env.backend.set(env.decoder, dec)

			err := env.c.Load(context.Background(), env.encoder, env.decoder, 1, "cpu")
			assert.ErrorIs(t, err, ErrShapeMismatch)
			assert.True(t, env.encoderSession().destroyed.Load())
			if s := env.decoderSession(); s != nil {
				assert.True(t, s.destroyed.Load())
			}

			_, err = env.c.InputSize(context.Background())
			assert.ErrorIs(t, err, ErrNotReady)
		})
	}
}

func TestLoadBatchDynamic(t *testing.T) {
	env := newFakeEnv(t, VariantStandard)
	enc, dec := fakeModels(VariantStandard)
	enc.inputs[0].Shape = Shape{-1, 3, fakeSide, fakeSide}
	enc.outputs[0].Shape = Shape{-1, 8, 4, 4}
	env.backend.set(env.encoder, enc)
	env.backend.set(env.decoder, dec)

	require.NoError(t, env.c.Load(context.Background(), env.encoder, env.decoder, 1, "cpu"))
	require.NoError(t, env.c.Preprocess(context.Background(), NewMat(fakeSide, fakeSide, 3)))
	in, ok := env.encoderSession().input("input")
	require.True(t, ok)
	assert.Equal(t, Shape{1, 3, fakeSide, fakeSide}, in.Shape)
}

func TestLoadReplacesModel(t *testing.T) {
	ctx := context.Background()
	env := preprocessedEnv(t, VariantStandard)
	_, err := env.c.Decode(ctx, Selection{Positive: []image.Point{{X: 5, Y: 5}}}, -1, false)
	require.NoError(t, err)
	first := env.encoderSession()

	require.NoError(t, env.c.SetMode(ctx, VariantEdge))
	enc, dec := fakeModels(VariantEdge)
	env.backend.set(env.encoder, enc)
	env.backend.set(env.decoder, dec)
	require.NoError(t, env.c.Load(ctx, env.encoder, env.decoder, 1, "cpu"))

	assert.True(t, first.destroyed.Load())
	n, err := env.c.HistoryLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	// 特征随旧模型一起释放
	_, err = env.c.Decode(ctx, Selection{}, -1, false)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSetModeUnknown(t *testing.T) {
	env := newFakeEnv(t, VariantStandard)
	assert.Error(t, env.c.SetMode(context.Background(), Variant(42)))
}

func TestUnload(t *testing.T) {
	ctx := context.Background()
	env := newFakeEnv(t, VariantStandard)
	// 未加载时直接返回
	require.NoError(t, env.c.Unload(ctx))

	require.NoError(t, env.c.Load(ctx, env.encoder, env.decoder, 1, "cpu"))
	enc, dec := env.encoderSession(), env.decoderSession()
	require.NoError(t, env.c.Unload(ctx))
	assert.True(t, enc.destroyed.Load())
	assert.True(t, dec.destroyed.Load())

	_, err := env.c.InputSize(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, env.c.Preprocess(ctx, NewMat(fakeSide, fakeSide, 3)), ErrNotReady)
	_, err = env.c.Decode(ctx, Selection{}, -1, false)
	assert.ErrorIs(t, err, ErrNotReady)
}
