package sam

import (
	"context"
	"fmt"
	"time"
)

func (c *Controller) preprocess(ctx context.Context, m *Mat) (err error) {
	start := time.Now()
	s := c.session
	if s == nil {
		return ErrNotReady
	}
	defer func() {
		observe("preprocess", s.variant, start, err)
		if err != nil {
			c.log.Warn().Err(err).Str("variant", s.variant.String()).Msg("event=preprocess_fail")
			return
		}
		c.log.Debug().Str("variant", s.variant.String()).Dur("dur", time.Since(start)).Msg("event=preprocess_done")
	}()

	size := s.inputSize()
	if m == nil {
		return fmt.Errorf("%w: 图片为空", ErrInvalidImageFormat)
	}
	if m.Width != size.X || m.Height != size.Y {
		return fmt.Errorf("%w: 图片尺寸 %dx%d, 期望 %dx%d", ErrInvalidImageFormat, m.Width, m.Height, size.X, size.Y)
	}
	if m.Channels != 3 || len(m.Pix) != m.Width*m.Height*3 {
		return fmt.Errorf("%w: 图片通道数为 %d, 期望 3", ErrInvalidImageFormat, m.Channels)
	}

	// 旧特征在此之后失效, 只有推理成功才会替换
	c.emb = nil

	p := s.policy
	input := Tensor{
		Name:  p.encoderInputs[0],
		Shape: s.encoderInput.Clone(),
		Data:  encoderInput(m, s.encoderInput, p.floatInput),
	}
	emb := &embedding{
		data:  make([]float32, s.encoderOutput.Size()),
		shape: s.encoderOutput.Clone(),
	}
	outputs := []Tensor{{Name: p.encoderOutputs[0], Shape: emb.shape, Data: emb.data}}
	if p.hasInterm() {
		emb.interm = make([]float32, s.intermShape.Size())
		outputs = append(outputs, Tensor{Name: p.encoderOutputs[1], Shape: s.intermShape.Clone(), Data: emb.interm})
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	if err := s.encoder.Run(ctx, []Tensor{input}, outputs); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: encoder 推理被终止: %w", ErrCancelled, err)
		}
		return fmt.Errorf("%w: encoder 推理失败: %w", ErrEngineRun, err)
	}
	c.emb = emb
	return nil
}

// encoderInput 构建编码器输入 (CHW, RGB 顺序).
// float 模式归一化到 [0,1], 否则保留原始字节.
func encoderInput(m *Mat, shape Shape, float bool) any {
	h, w := int(shape[2]), int(shape[3])
	plane := h * w
	total := int(shape.Size())

	if float {
		data := make([]float32, total)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := (y*w + x) * 3
				idx := y*w + x
				data[idx] = float32(m.Pix[off+2]) / 255.0         // R
				data[plane+idx] = float32(m.Pix[off+1]) / 255.0   // G
				data[2*plane+idx] = float32(m.Pix[off+0]) / 255.0 // B
			}
		}
		return data
	}

	data := make([]uint8, total)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 3
			idx := y*w + x
			data[idx] = m.Pix[off+2]
			data[plane+idx] = m.Pix[off+1]
			data[2*plane+idx] = m.Pix[off+0]
		}
	}
	return data
}
