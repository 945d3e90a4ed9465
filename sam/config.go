package sam

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/getcharzp/go-clickseg"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Label int

const (
	LabelBackground  Label = 0 // 背景/排除
	LabelForeground  Label = 1 // 前景/点击
	LabelBoxTopLeft  Label = 2 // 框选左上
	LabelBoxBotRight Label = 3 // 框选右下
)

// Selection 一次交互的提示, 坐标为编码器输入图片上的像素坐标
type Selection struct {
	Positive []image.Point
	Negative []image.Point
	Boxes    []image.Rectangle
}

// Config 配置项
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string  `json:"onnxruntime_lib_path" yaml:"onnxruntime_lib_path" toml:"onnxruntime_lib_path"`
	EncodeModelPath    string  `json:"encode_model_path" yaml:"encode_model_path" toml:"encode_model_path"` // 图片特征提取模型
	DecodeModelPath    string  `json:"decode_model_path" yaml:"decode_model_path" toml:"decode_model_path"` // Mask解码模型
	Variant            Variant `json:"variant" yaml:"variant" toml:"variant"`                               // 模型家族

	// 可选参数
	Device     string `json:"device" yaml:"device" toml:"device"`                // (可选) cpu 或 cuda:<id>
	NumThreads int    `json:"num_threads" yaml:"num_threads" toml:"num_threads"` // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: clickseg.DefaultLibraryPath(),
		EncodeModelPath:    "./sam_weights/encoder.onnx",
		DecodeModelPath:    "./sam_weights/decoder.onnx",
		Variant:            VariantStandard,
		Device:             "cpu",
	}
}

// LoadConfig 读取配置文件, 按扩展名支持 .yaml/.yml, .json, .toml.
// 文件中未出现的字段保留默认值.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, fmt.Errorf("配置文件路径为空")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("不支持的配置文件类型: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}
