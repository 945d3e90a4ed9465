package sam

import (
	"context"
	"fmt"
	"image"
	"time"
)

func (c *Controller) decode(ctx context.Context, sel Selection, refineIndex int, continueSelection bool) (mask *image.Gray, err error) {
	start := time.Now()
	s := c.session
	if s == nil || c.emb == nil {
		return nil, ErrNotReady
	}
	p := s.policy
	defer func() {
		observe("decode", s.variant, start, err)
		if err != nil {
			c.log.Warn().Err(err).Str("variant", s.variant.String()).Msg("event=decode_fail")
			return
		}
		c.log.Debug().Str("variant", s.variant.String()).
			Int("refine_index", refineIndex).
			Bool("continue", continueSelection).
			Int("history", c.history.Len()).
			Dur("dur", time.Since(start)).
			Msg("event=decode_done")
	}()

	size := s.inputSize()
	mask = image.NewGray(image.Rect(0, 0, size.X, size.Y))

	coords, labels := pointsAndLabels(sel)
	prior, hasMask := c.selectPrior(p, refineIndex, continueSelection)
	inputs := make([]Tensor, 0, len(p.decoderInputs))
	for _, slot := range p.decoderInputs {
		t := Tensor{Name: slot.name}
		switch slot.role {
		case roleEmbedding:
			t.Shape, t.Data = c.emb.shape, c.emb.data
		case roleIntermEmbedding:
			t.Shape, t.Data = s.intermShape, c.emb.interm
		case rolePointCoords:
			t.Shape, _ = p.pointShapes(len(labels))
			t.Data = coords
		case rolePointLabels:
			_, t.Shape = p.pointShapes(len(labels))
			t.Data = labels
		case roleMaskInput:
			t.Shape, t.Data = Shape{1, 1, lowResSide, lowResSide}, prior
		case roleHasMaskInput:
			t.Shape, t.Data = Shape{1}, []float32{hasMask}
		case roleImageSize:
			h, w := s.encoderInput[2], s.encoderInput[3]
			t.Shape = Shape{2}
			if p.imageSizeInt64 {
				t.Data = []int64{h, w}
			} else {
				t.Data = []float32{float32(h), float32(w)}
			}
		}
		inputs = append(inputs, t)
	}

	names := p.requestedOutputs()
	outputs := make([]Tensor, len(names))
	for i, name := range names {
		outputs[i] = Tensor{Name: name}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return mask, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	if err := s.decoder.Run(ctx, inputs, outputs); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mask, fmt.Errorf("%w: decoder 推理被终止: %w", ErrCancelled, err)
		}
		return mask, fmt.Errorf("%w: decoder 推理失败: %w", ErrEngineRun, err)
	}

	if err := writeMask(mask, outputs[p.maskIndex], p.resizeMask); err != nil {
		return mask, err
	}

	entry := make([]float32, lowResSize)
	if p.lowResIndex >= 0 {
		lowRes := outputs[p.lowResIndex].Float32s()
		if len(lowRes) < lowResSize {
			return mask, fmt.Errorf("%w: 低分辨率 Mask 元素个数为 %d, 期望至少 %d", ErrShapeMismatch, len(lowRes), lowResSize)
		}
		copy(entry, lowRes[:lowResSize])
	}
	if p.acceptsMaskPrior() && refineIndex < c.history.Len()-1 {
		c.history.Truncate(refineIndex + 1)
	}
	c.history.Append(entry)
	return mask, nil
}

// pointsAndLabels 按 正向点, 负向点, 框 的顺序生成坐标和标签
func pointsAndLabels(sel Selection) ([]float32, []float32) {
	n := len(sel.Positive) + len(sel.Negative) + 2*len(sel.Boxes)
	coords := make([]float32, 0, 2*n)
	labels := make([]float32, 0, n)
	add := func(pt image.Point, label Label) {
		coords = append(coords, float32(pt.X), float32(pt.Y))
		labels = append(labels, float32(label))
	}
	for _, pt := range sel.Positive {
		add(pt, LabelForeground)
	}
	for _, pt := range sel.Negative {
		add(pt, LabelBackground)
	}
	for _, box := range sel.Boxes {
		add(box.Min, LabelBoxTopLeft)
		add(box.Max, LabelBoxBotRight)
	}
	return coords, labels
}

// selectPrior 选择先验 Mask, 不修改历史.
func (c *Controller) selectPrior(p *policy, refineIndex int, continueSelection bool) ([]float32, float32) {
	if !p.acceptsMaskPrior() {
		return nil, 0
	}
	if continueSelection {
		return make([]float32, lowResSize), 0
	}
	if entry, ok := c.history.At(refineIndex); ok {
		return entry, 1
	}
	return make([]float32, lowResSize), 0
}

// writeMask 阈值化主 Mask 输出写入 dst, resize 为 true 时先双线性缩放到 dst 尺寸
func writeMask(dst *image.Gray, out Tensor, resize bool) error {
	data := out.Float32s()
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	if len(out.Shape) < 2 {
		return fmt.Errorf("%w: Mask 输出维数为 %d", ErrShapeMismatch, len(out.Shape))
	}
	srcH, srcW := int(out.Shape[len(out.Shape)-2]), int(out.Shape[len(out.Shape)-1])
	if srcW <= 0 || srcH <= 0 || len(data) < srcW*srcH {
		return fmt.Errorf("%w: Mask 输出形状 %v 与数据长度 %d 不符", ErrShapeMismatch, out.Shape, len(data))
	}
	plane := data[:srcW*srcH]

	if srcW != w || srcH != h {
		if !resize {
			return fmt.Errorf("%w: Mask 输出尺寸 %dx%d, 期望 %dx%d", ErrShapeMismatch, srcW, srcH, w, h)
		}
		plane = resizeBilinear(plane, srcW, srcH, w, h)
	}

	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		for x := range row {
			if plane[y*w+x] > maskThreshold {
				row[x] = 255
			} else {
				row[x] = 0
			}
		}
	}
	return nil
}

// resizeBilinear 双线性缩放单通道浮点图 (像素中心对齐)
func resizeBilinear(src []float32, srcW, srcH, dstW, dstH int) []float32 {
	dst := make([]float32, dstW*dstH)
	xRatio := float32(srcW) / float32(dstW)
	yRatio := float32(srcH) / float32(dstH)

	for y := 0; y < dstH; y++ {
		fy := (float32(y)+0.5)*yRatio - 0.5
		y0, wy := splitCoord(fy, srcH)
		y1 := min(y0+1, srcH-1)
		for x := 0; x < dstW; x++ {
			fx := (float32(x)+0.5)*xRatio - 0.5
			x0, wx := splitCoord(fx, srcW)
			x1 := min(x0+1, srcW-1)

			top := src[y0*srcW+x0]*(1-wx) + src[y0*srcW+x1]*wx
			bottom := src[y1*srcW+x0]*(1-wx) + src[y1*srcW+x1]*wx
			dst[y*dstW+x] = top*(1-wy) + bottom*wy
		}
	}
	return dst
}

// splitCoord 返回整数坐标和插值权重, 坐标限制在 [0, n-1]
func splitCoord(f float32, n int) (int, float32) {
	if f <= 0 {
		return 0, 0
	}
	i := int(f)
	if i >= n-1 {
		return n - 1, 0
	}
	return i, f - float32(i)
}
