package sam

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Shape 张量形状
type Shape []int64

// Size 元素个数, 含非正维度时返回 0
func (s Shape) Size() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Clone 复制形状
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

// Tensor 命名张量, Data 为 []float32, []uint8 或 []int64
type Tensor struct {
	Name  string
	Shape Shape
	Data  any
}

// Float32s 返回 float32 数据, 类型不符时返回 nil
func (t Tensor) Float32s() []float32 {
	d, _ := t.Data.([]float32)
	return d
}

// TensorInfo 模型声明的输入/输出
type TensorInfo struct {
	Name  string
	Shape Shape // 动态维度为 -1
}

// SessionOptions 会话创建参数
type SessionOptions struct {
	NumThreads   int
	UseCuda      bool
	CudaDeviceID int
}

// Backend 推理引擎
type Backend interface {
	// NewSession 加载模型文件
	NewSession(modelPath string, opts SessionOptions) (Session, error)
}

// Session 已加载的模型
type Session interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	// Run 执行一次前向推理.
	// outputs 中 Data 非空的项为预分配缓冲区, 结果直接写入;
	// Data 为空的项由引擎分配并回填 Data 和 Shape.
	// ctx 取消时引擎在安全点终止推理.
	Run(ctx context.Context, inputs []Tensor, outputs []Tensor) error
	Destroy() error
}

// ParseDevice 解析设备描述: "" / "cpu" 或 "cuda:<id>"
func ParseDevice(device string) (SessionOptions, error) {
	var opts SessionOptions
	d := strings.ToLower(strings.TrimSpace(device))
	if d == "" || d == "cpu" {
		return opts, nil
	}
	id, ok := strings.CutPrefix(d, "cuda:")
	if !ok {
		return opts, fmt.Errorf("不支持的设备: %q", device)
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return opts, fmt.Errorf("无效的 CUDA 设备编号: %q", device)
	}
	opts.UseCuda = true
	opts.CudaDeviceID = n
	return opts, nil
}

// findInfo 按名称查找模型输入/输出
func findInfo(infos []TensorInfo, name string) (TensorInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return TensorInfo{}, false
}
