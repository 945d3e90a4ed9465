package sam

import (
	"context"
	"errors"
)

// 错误类型, 使用 errors.Is 判断
var (
	ErrModelFileMissing   = errors.New("模型文件不存在")
	ErrShapeMismatch      = errors.New("模型张量与预期不一致")
	ErrEngineInit         = errors.New("推理引擎初始化失败")
	ErrInvalidImageFormat = errors.New("图片尺寸或通道数不符合要求")
	ErrEngineRun          = errors.New("推理失败")
	ErrCancelled          = errors.New("操作已取消")
	ErrNotReady           = errors.New("模型或图片特征未就绪")
	ErrClosed             = errors.New("控制器已关闭")
)

// errorKind 错误类型名称, 用于日志和指标
func errorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrModelFileMissing):
		return "model_file_missing"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrEngineInit):
		return "engine_init"
	case errors.Is(err, ErrInvalidImageFormat):
		return "invalid_image"
	case errors.Is(err, ErrEngineRun):
		return "engine_run"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "unknown"
	}
}
