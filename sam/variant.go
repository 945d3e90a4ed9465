package sam

import (
	"fmt"
	"strings"
)

// Variant 模型家族, 决定张量名称, 形状和后处理方式
type Variant int

const (
	VariantStandard    Variant = iota // SAM
	VariantHighQuality                // HQ-SAM
	VariantEfficient                  // EfficientSAM
	VariantEdge                       // EdgeSAM
)

// Variants 所有支持的模型家族
var Variants = []Variant{VariantStandard, VariantHighQuality, VariantEfficient, VariantEdge}

var variantNames = map[Variant]string{
	VariantStandard:    "standard",
	VariantHighQuality: "hq",
	VariantEfficient:   "efficient",
	VariantEdge:        "edge",
}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant 解析模型家族名称
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "sam", "":
		return VariantStandard, nil
	case "hq", "hqsam", "hq-sam", "highquality":
		return VariantHighQuality, nil
	case "efficient", "efficientsam", "efficient-sam":
		return VariantEfficient, nil
	case "edge", "edgesam", "edge-sam":
		return VariantEdge, nil
	}
	return 0, fmt.Errorf("未知的模型类型: %q", s)
}

// MarshalText 实现 encoding.TextMarshaler
func (v Variant) MarshalText() ([]byte, error) {
	if _, ok := variantNames[v]; !ok {
		return nil, fmt.Errorf("未知的模型类型: %d", int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler, 供配置文件使用
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// slotRole 解码器输入的含义
type slotRole int

const (
	roleEmbedding slotRole = iota
	roleIntermEmbedding
	rolePointCoords
	rolePointLabels
	roleMaskInput
	roleHasMaskInput
	roleImageSize
)

// inputSlot 解码器输入: 名称 + 含义
type inputSlot struct {
	name string
	role slotRole
}

const (
	// lowResSide 低分辨率 Mask 边长
	lowResSide = 256
	// lowResSize 低分辨率 Mask 元素个数
	lowResSize = lowResSide * lowResSide
	// maskThreshold 阈值
	maskThreshold = 0.0
)

// policy 模型家族的张量约定
type policy struct {
	encoderInputs  []string
	encoderOutputs []string // [embedding] 或 [embedding, interm]
	decoderInputs  []inputSlot
	decoderOutputs []string

	// floatInput 编码器输入为 [0,1] float32, 否则为原始 uint8
	floatInput bool
	// 固定的编码器输入/输出形状, nil 时从模型读取
	fixedEncoderInput  Shape
	fixedEncoderOutput Shape
	// batchedPoints 点坐标多一个前导维度 {1,1,N,2}
	batchedPoints bool
	// imageSizeInt64 原图尺寸输入使用 int64
	imageSizeInt64 bool

	// 请求的输出个数, 主 Mask 下标, 低分辨率 Mask 下标 (-1 表示没有)
	outputCount int
	maskIndex   int
	lowResIndex int
	// resizeMask Mask 输出需缩放到编码器输入尺寸
	resizeMask bool
}

var policies = map[Variant]*policy{
	VariantStandard: {
		encoderInputs:  []string{"input"},
		encoderOutputs: []string{"output"},
		decoderInputs: []inputSlot{
			{"image_embeddings", roleEmbedding},
			{"point_coords", rolePointCoords},
			{"point_labels", rolePointLabels},
			{"mask_input", roleMaskInput},
			{"has_mask_input", roleHasMaskInput},
			{"orig_im_size", roleImageSize},
		},
		decoderOutputs: []string{"masks", "iou_predictions", "low_res_masks"},
		outputCount:    3,
		maskIndex:      0,
		lowResIndex:    2,
	},
	VariantHighQuality: {
		encoderInputs:  []string{"input"},
		encoderOutputs: []string{"output", "interm_embeddings"},
		decoderInputs: []inputSlot{
			{"image_embeddings", roleEmbedding},
			{"interm_embeddings", roleIntermEmbedding},
			{"point_coords", rolePointCoords},
			{"point_labels", rolePointLabels},
			{"mask_input", roleMaskInput},
			{"has_mask_input", roleHasMaskInput},
			{"orig_im_size", roleImageSize},
		},
		decoderOutputs: []string{"masks", "iou_predictions", "low_res_masks"},
		outputCount:    3,
		maskIndex:      0,
		lowResIndex:    2,
	},
	VariantEfficient: {
		encoderInputs:  []string{"batched_images"},
		encoderOutputs: []string{"image_embeddings"},
		decoderInputs: []inputSlot{
			{"image_embeddings", roleEmbedding},
			{"batched_point_coords", rolePointCoords},
			{"batched_point_labels", rolePointLabels},
			{"orig_im_size", roleImageSize},
		},
		decoderOutputs:     []string{"output_masks", "iou_predictions", "low_res_masks"},
		floatInput:         true,
		fixedEncoderInput:  Shape{1, 3, 1024, 1024},
		fixedEncoderOutput: Shape{1, 256, 64, 64},
		batchedPoints:      true,
		imageSizeInt64:     true,
		outputCount:        2,
		maskIndex:          0,
		lowResIndex:        -1,
	},
	VariantEdge: {
		encoderInputs:  []string{"image"},
		encoderOutputs: []string{"image_embeddings"},
		decoderInputs: []inputSlot{
			{"image_embeddings", roleEmbedding},
			{"point_coords", rolePointCoords},
			{"point_labels", rolePointLabels},
		},
		decoderOutputs: []string{"scores", "masks"},
		floatInput:     true,
		outputCount:    2,
		maskIndex:      1,
		lowResIndex:    -1,
		resizeMask:     true,
	},
}

// policy 返回模型家族的张量约定, 未知类型返回 nil
func (v Variant) policy() *policy {
	return policies[v]
}

// decoderInputNames 解码器输入名称列表
func (p *policy) decoderInputNames() []string {
	names := make([]string, len(p.decoderInputs))
	for i, s := range p.decoderInputs {
		names[i] = s.name
	}
	return names
}

// slot 按含义查找解码器输入
func (p *policy) slot(role slotRole) (inputSlot, bool) {
	for _, s := range p.decoderInputs {
		if s.role == role {
			return s, true
		}
	}
	return inputSlot{}, false
}

// acceptsMaskPrior 是否支持历史 Mask 输入
func (p *policy) acceptsMaskPrior() bool {
	_, ok := p.slot(roleMaskInput)
	return ok
}

// hasInterm 是否存在中间层特征
func (p *policy) hasInterm() bool {
	return len(p.encoderOutputs) > 1
}

// pointShapes 点坐标和标签的形状
func (p *policy) pointShapes(numPoints int) (coords, labels Shape) {
	n := int64(numPoints)
	if p.batchedPoints {
		return Shape{1, 1, n, 2}, Shape{1, 1, n}
	}
	return Shape{1, n, 2}, Shape{1, n}
}

// requestedOutputs 解码时请求的输出名称
func (p *policy) requestedOutputs() []string {
	return p.decoderOutputs[:p.outputCount]
}

// TensorNames 模型家族的张量名称, 用于展示
type TensorNames struct {
	EncoderInputs  []string
	EncoderOutputs []string
	DecoderInputs  []string
	DecoderOutputs []string
	FloatInput     bool
	MaskPrior      bool
}

// Names 返回模型家族的张量名称副本
func (v Variant) Names() (TensorNames, error) {
	p := v.policy()
	if p == nil {
		return TensorNames{}, fmt.Errorf("未知的模型类型: %d", int(v))
	}
	return TensorNames{
		EncoderInputs:  append([]string(nil), p.encoderInputs...),
		EncoderOutputs: append([]string(nil), p.encoderOutputs...),
		DecoderInputs:  p.decoderInputNames(),
		DecoderOutputs: append([]string(nil), p.decoderOutputs...),
		FloatInput:     p.floatInput,
		MaskPrior:      p.acceptsMaskPrior(),
	}, nil
}
