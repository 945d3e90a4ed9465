package sam

import (
	"context"
	"fmt"

	"github.com/getcharzp/go-clickseg"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
)

// OrtBackend 基于 ONNX Runtime 的推理引擎
type OrtBackend struct {
	OnnxRuntimeLibPath string // onnxruntime 动态库路径
}

// NewOrtBackend 创建 ONNX Runtime 推理引擎
func NewOrtBackend(libPath string) *OrtBackend {
	return &OrtBackend{OnnxRuntimeLibPath: libPath}
}

// ortSession 按模型声明的全部输入/输出创建的会话
type ortSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []TensorInfo
	outputs []TensorInfo
}

// NewSession 读取模型输入输出信息并创建会话
func (b *OrtBackend) NewSession(modelPath string, opts SessionOptions) (Session, error) {
	oc := new(clickseg.OnnxConfig)
	if err := convertutil.CopyProperties(opts, oc); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	oc.OnnxRuntimeLibPath = b.OnnxRuntimeLibPath
	if err := oc.New(); err != nil {
		return nil, err
	}
	defer oc.Destroy()

	inInfos, outInfos, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("读取模型输入输出信息失败: %w", err)
	}
	s := &ortSession{
		inputs:  convertInfos(inInfos),
		outputs: convertInfos(outInfos),
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, infoNames(s.inputs), infoNames(s.outputs), oc.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}
	s.session = session
	return s, nil
}

func convertInfos(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		out[i] = TensorInfo{Name: info.Name, Shape: Shape(info.Dimensions).Clone()}
	}
	return out
}

func infoNames(infos []TensorInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

func (s *ortSession) Inputs() []TensorInfo  { return s.inputs }
func (s *ortSession) Outputs() []TensorInfo { return s.outputs }

// Run 执行推理, 输入按名称映射到模型声明的顺序
func (s *ortSession) Run(ctx context.Context, inputs []Tensor, outputs []Tensor) error {
	inValues := make([]ort.Value, len(s.inputs))
	defer destroyValues(inValues)
	for i, info := range s.inputs {
		t, ok := findTensor(inputs, info.Name)
		if !ok {
			return fmt.Errorf("缺少输入张量 %s", info.Name)
		}
		v, err := newValue(t)
		if err != nil {
			return fmt.Errorf("创建输入张量 %s 失败: %w", info.Name, err)
		}
		inValues[i] = v
	}

	// 预分配的输出直接绑定调用方缓冲区, 其余由 ORT 分配
	outValues := make([]ort.Value, len(s.outputs))
	defer destroyValues(outValues)
	outIndex := make([]int, len(outputs))
	for i, t := range outputs {
		idx := indexOfInfo(s.outputs, t.Name)
		if idx < 0 {
			return fmt.Errorf("模型没有输出 %s", t.Name)
		}
		outIndex[i] = idx
		if t.Data == nil {
			continue
		}
		v, err := newValue(t)
		if err != nil {
			return fmt.Errorf("创建输出张量 %s 失败: %w", t.Name, err)
		}
		outValues[idx] = v
	}

	runOptions, err := ort.NewRunOptions()
	if err != nil {
		return fmt.Errorf("创建 RunOptions 失败: %w", err)
	}
	defer runOptions.Destroy()
	stop := context.AfterFunc(ctx, func() { _ = runOptions.Terminate() })
	defer stop()

	if err := s.session.RunWithOptions(inValues, outValues, runOptions); err != nil {
		return err
	}

	for i := range outputs {
		if outputs[i].Data != nil {
			continue
		}
		v := outValues[outIndex[i]]
		if v == nil {
			return fmt.Errorf("模型未产生输出 %s", outputs[i].Name)
		}
		outputs[i].Shape = Shape(v.GetShape()).Clone()
		data, err := copyValueData(v)
		if err != nil {
			return fmt.Errorf("读取输出 %s 失败: %w", outputs[i].Name, err)
		}
		outputs[i].Data = data
	}
	return nil
}

// Destroy 释放会话
func (s *ortSession) Destroy() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

func findTensor(tensors []Tensor, name string) (Tensor, bool) {
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

func indexOfInfo(infos []TensorInfo, name string) int {
	for i, info := range infos {
		if info.Name == name {
			return i
		}
	}
	return -1
}

// newValue 将 Tensor 包装为 ORT 张量, 与 Data 共享内存
func newValue(t Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch d := t.Data.(type) {
	case []float32:
		return wrapTensor(shape, d)
	case []uint8:
		return wrapTensor(shape, d)
	case []int64:
		return wrapTensor(shape, d)
	default:
		return nil, fmt.Errorf("不支持的张量类型 %T", t.Data)
	}
}

func wrapTensor[T float32 | uint8 | int64](shape ort.Shape, data []T) (ort.Value, error) {
	// 空张量 (例如零个提示点) 仍需要有效的底层指针
	if len(data) == 0 {
		data = make([]T, 1)
	}
	v, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func copyValueData(v ort.Value) (any, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return append([]float32(nil), t.GetData()...), nil
	case *ort.Tensor[int64]:
		return append([]int64(nil), t.GetData()...), nil
	case *ort.Tensor[uint8]:
		return append([]uint8(nil), t.GetData()...), nil
	default:
		return nil, fmt.Errorf("不支持的输出类型 %T", v)
	}
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
