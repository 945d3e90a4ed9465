package sam

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSide 测试模型的编码器输入边长
const fakeSide = 32

var fakeIntermShape = Shape{1, 1, 4, 4, 8}

// fakeModel 测试模型声明
type fakeModel struct {
	inputs  []TensorInfo
	outputs []TensorInfo
	// 解码器: Mask 输出边长, 提示点坐标空间边长
	maskSide   int
	pointSpace int
}

// fakeModels 按模型家族生成符合约定的编码器和解码器声明
func fakeModels(v Variant) (enc, dec fakeModel) {
	p := v.policy()
	in := Shape{1, 3, fakeSide, fakeSide}
	side := fakeSide
	if v == VariantEfficient {
		in = Shape{-1, 3, -1, -1}
		side = 1024
	}
	enc.inputs = []TensorInfo{{Name: p.encoderInputs[0], Shape: in}}
	enc.outputs = []TensorInfo{{Name: p.encoderOutputs[0], Shape: Shape{1, 8, 4, 4}}}
	if p.hasInterm() {
		enc.outputs = append(enc.outputs, TensorInfo{Name: p.encoderOutputs[1], Shape: fakeIntermShape})
	}

	for _, slot := range p.decoderInputs {
		shape := Shape{1}
		if slot.role == roleIntermEmbedding {
			shape = fakeIntermShape.Clone()
		}
		dec.inputs = append(dec.inputs, TensorInfo{Name: slot.name, Shape: shape})
	}
	for _, name := range p.decoderOutputs {
		dec.outputs = append(dec.outputs, TensorInfo{Name: name, Shape: Shape{-1}})
	}
	dec.pointSpace = side
	dec.maskSide = side
	if p.resizeMask {
		dec.maskSide = side / 2
	}
	return enc, dec
}

type fakeBackend struct {
	mu       sync.Mutex
	models   map[string]fakeModel
	sessions map[string]*fakeSession
	opts     []SessionOptions

	// newSessionHook 在创建会话前调用, 返回错误时创建失败
	newSessionHook func(path string) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		models:   make(map[string]fakeModel),
		sessions: make(map[string]*fakeSession),
	}
}

func (b *fakeBackend) set(path string, m fakeModel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models[path] = m
}

func (b *fakeBackend) session(path string) *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[path]
}

func (b *fakeBackend) NewSession(path string, opts SessionOptions) (Session, error) {
	b.mu.Lock()
	hook := b.newSessionHook
	m, ok := b.models[path]
	b.opts = append(b.opts, opts)
	b.mu.Unlock()

	if hook != nil {
		if err := hook(path); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("无法解析模型 %s", path)
	}
	s := &fakeSession{model: m, path: path}
	b.mu.Lock()
	b.sessions[path] = s
	b.mu.Unlock()
	return s, nil
}

type fakeSession struct {
	model fakeModel
	path  string

	runs      atomic.Int32
	destroyed atomic.Bool

	mu         sync.Mutex
	lastInputs []Tensor
	// runHook 在默认行为前调用, 返回错误时推理失败
	runHook func(ctx context.Context, inputs []Tensor) error
}

func (s *fakeSession) Inputs() []TensorInfo  { return s.model.inputs }
func (s *fakeSession) Outputs() []TensorInfo { return s.model.outputs }

func (s *fakeSession) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

func (s *fakeSession) setRunHook(h func(ctx context.Context, inputs []Tensor) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runHook = h
}

func (s *fakeSession) inputs() []Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInputs
}

func (s *fakeSession) input(name string) (Tensor, bool) {
	return findTensor(s.inputs(), name)
}

func (s *fakeSession) Run(ctx context.Context, inputs []Tensor, outputs []Tensor) error {
	s.runs.Add(1)
	s.mu.Lock()
	s.lastInputs = cloneTensors(inputs)
	hook := s.runHook
	s.mu.Unlock()

	for _, t := range inputs {
		if _, ok := findInfo(s.model.inputs, t.Name); !ok {
			return fmt.Errorf("未声明的输入 %s", t.Name)
		}
	}
	if hook != nil {
		if err := hook(ctx, inputs); err != nil {
			return err
		}
	}
	if s.model.maskSide == 0 {
		return s.encode(outputs)
	}
	return s.decode(inputs, outputs)
}

func (s *fakeSession) encode(outputs []Tensor) error {
	for _, out := range outputs {
		data := out.Float32s()
		if data == nil {
			return fmt.Errorf("编码器输出 %s 未预分配", out.Name)
		}
		for i := range data {
			data[i] = 0.5
		}
	}
	return nil
}

func (s *fakeSession) decode(inputs []Tensor, outputs []Tensor) error {
	var coords, labels, prior []float32
	hasMask := float32(0)
	for _, t := range inputs {
		switch {
		case strings.HasSuffix(t.Name, "point_coords"):
			coords = t.Float32s()
		case strings.HasSuffix(t.Name, "point_labels"):
			labels = t.Float32s()
		case t.Name == "mask_input":
			prior = t.Float32s()
		case t.Name == "has_mask_input":
			hasMask = t.Float32s()[0]
		}
	}

	side := s.model.maskSide
	scale := float32(side) / float32(s.model.pointSpace)
	plane := fakeLogits(coords, labels, side, scale)

	for i := range outputs {
		switch outputs[i].Name {
		case "masks", "output_masks":
			outputs[i].Shape = Shape{1, 1, int64(side), int64(side)}
			if outputs[i].Name == "output_masks" {
				outputs[i].Shape = Shape{1, 1, 1, int64(side), int64(side)}
			}
			outputs[i].Data = append([]float32(nil), plane...)
		case "iou_predictions", "scores":
			outputs[i].Shape = Shape{1, 1}
			outputs[i].Data = []float32{0.9}
		case "low_res_masks":
			lowRes := make([]float32, lowResSize)
			for y := 0; y < lowResSide; y++ {
				for x := 0; x < lowResSide; x++ {
					v := plane[(y*side/lowResSide)*side+x*side/lowResSide]
					if hasMask == 1 {
						v += 0.5 * prior[y*lowResSide+x]
					}
					lowRes[y*lowResSide+x] = v
				}
			}
			outputs[i].Shape = Shape{1, 1, lowResSide, lowResSide}
			outputs[i].Data = lowRes
		default:
			return fmt.Errorf("未知输出 %s", outputs[i].Name)
		}
	}
	return nil
}

// fakeLogits 正向点和框内为 +1, 负向点附近为 -1, 其余为 -1
func fakeLogits(coords, labels []float32, side int, scale float32) []float32 {
	plane := make([]float32, side*side)
	r := float32(side) / 8
	near := func(x, y, px, py float32) bool {
		dx, dy := x-px, y-py
		return dx*dx+dy*dy < r*r
	}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			fx, fy := float32(x), float32(y)
			v := float32(-1)
			for i, l := range labels {
				px, py := coords[2*i]*scale, coords[2*i+1]*scale
				switch Label(l) {
				case LabelForeground:
					if near(fx, fy, px, py) {
						v = 1
					}
				case LabelBoxTopLeft:
					if i+1 < len(labels) {
						qx, qy := coords[2*(i+1)]*scale, coords[2*(i+1)+1]*scale
						if fx >= px && fx < qx && fy >= py && fy < qy {
							v = 1
						}
					}
				}
			}
			for i, l := range labels {
				if Label(l) == LabelBackground && near(fx, fy, coords[2*i]*scale, coords[2*i+1]*scale) {
					v = -1
				}
			}
			plane[y*side+x] = v
		}
	}
	return plane
}

func cloneTensors(in []Tensor) []Tensor {
	out := make([]Tensor, len(in))
	for i, t := range in {
		out[i] = Tensor{Name: t.Name, Shape: t.Shape.Clone()}
		switch d := t.Data.(type) {
		case []float32:
			out[i].Data = append([]float32(nil), d...)
		case []uint8:
			out[i].Data = append([]uint8(nil), d...)
		case []int64:
			out[i].Data = append([]int64(nil), d...)
		}
	}
	return out
}

// fakeEnv 测试环境: 控制器, 推理引擎, 模型路径
type fakeEnv struct {
	c       *Controller
	backend *fakeBackend
	encoder string
	decoder string
}

func (e *fakeEnv) encoderSession() *fakeSession { return e.backend.session(e.encoder) }
func (e *fakeEnv) decoderSession() *fakeSession { return e.backend.session(e.decoder) }

// newFakeEnv 创建控制器和磁盘上的占位模型文件, 不加载
func newFakeEnv(t *testing.T, v Variant) *fakeEnv {
	t.Helper()
	dir := t.TempDir()
	env := &fakeEnv{
		backend: newFakeBackend(),
		encoder: filepath.Join(dir, "encoder.onnx"),
		decoder: filepath.Join(dir, "decoder.onnx"),
	}
	require.NoError(t, os.WriteFile(env.encoder, []byte("onnx"), 0o644))
	require.NoError(t, os.WriteFile(env.decoder, []byte("onnx"), 0o644))
	enc, dec := fakeModels(v)
	env.backend.set(env.encoder, enc)
	env.backend.set(env.decoder, dec)

	env.c = NewController(Config{Variant: v}, WithBackend(env.backend), WithLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = env.c.Close() })
	return env
}

// loadedEnv 创建并加载模型
func loadedEnv(t *testing.T, v Variant) *fakeEnv {
	t.Helper()
	env := newFakeEnv(t, v)
	require.NoError(t, env.c.Load(context.Background(), env.encoder, env.decoder, 2, "cpu"))
	return env
}

// preprocessedEnv 加载模型并提取一张纯色图片的特征
func preprocessedEnv(t *testing.T, v Variant) *fakeEnv {
	t.Helper()
	env := loadedEnv(t, v)
	size, err := env.c.InputSize(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.c.Preprocess(context.Background(), NewMat(size.X, size.Y, 3)))
	return env
}
