package sam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"
)

// modelSession 已加载的编码器和解码器
type modelSession struct {
	variant Variant
	policy  *policy
	encoder Session
	decoder Session

	encoderInput  Shape // {batch, channels, height, width}
	encoderOutput Shape
	intermShape   Shape // 仅 HQ-SAM, 5 维
}

// inputSize 编码器输入尺寸 (宽, 高)
func (s *modelSession) inputSize() image.Point {
	return image.Point{X: int(s.encoderInput[3]), Y: int(s.encoderInput[2])}
}

// destroy 释放编码器和解码器
func (s *modelSession) destroy() error {
	var errs []error
	if s.encoder != nil {
		if err := s.encoder.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁 Encoder 会话失败: %w", err))
		}
		s.encoder = nil
	}
	if s.decoder != nil {
		if err := s.decoder.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁 Decoder 会话失败: %w", err))
		}
		s.decoder = nil
	}
	return errors.Join(errs...)
}

// embedding 当前图片的特征
type embedding struct {
	data   []float32
	shape  Shape
	interm []float32 // 仅 HQ-SAM
}

// release 释放模型并清空特征和历史
func (c *Controller) release() error {
	c.emb = nil
	c.history.Reset()
	if c.session == nil {
		return nil
	}
	s := c.session
	c.session = nil
	return s.destroy()
}

func (c *Controller) unload() (err error) {
	start := time.Now()
	v := c.mode
	if c.session != nil {
		v = c.session.variant
	}
	defer func() { observe("unload", v, start, err) }()

	if err := c.release(); err != nil {
		c.log.Error().Err(err).Str("variant", v.String()).Msg("event=unload_error")
		return err
	}
	c.log.Info().Str("variant", v.String()).Msg("event=unload")
	return nil
}

func (c *Controller) load(ctx context.Context, encoderPath, decoderPath string, numThreads int, device string) (err error) {
	start := time.Now()
	v := c.mode
	log := c.log.With().Str("variant", v.String()).Logger()
	log.Info().Str("encoder", encoderPath).Str("decoder", decoderPath).Int("threads", numThreads).Str("device", device).Msg("event=load_start")
	defer func() {
		observe("load", v, start, err)
		if err != nil {
			log.Warn().Err(err).Msg("event=load_fail")
			return
		}
		log.Info().Dur("dur", time.Since(start)).Msg("event=load_ready")
	}()

	if err := c.release(); err != nil {
		return fmt.Errorf("%w: 释放已加载的模型失败: %w", ErrEngineInit, err)
	}

	p := v.policy()
	if p == nil {
		return fmt.Errorf("%w: 未知的模型类型 %d", ErrEngineInit, int(v))
	}
	for _, path := range []string{encoderPath, decoderPath} {
		if !modelExists(path) {
			return fmt.Errorf("%w: %s", ErrModelFileMissing, path)
		}
	}
	opts, err := ParseDevice(device)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	opts.NumThreads = numThreads

	s := &modelSession{variant: v, policy: p}
	if err := c.openSessions(s, encoderPath, decoderPath, opts); err != nil {
		_ = s.destroy()
		return err
	}

	// 加载过程中收到取消请求: 校验已完成, 但结果视为失败
	if ctxErr := ctx.Err(); ctxErr != nil {
		_ = s.destroy()
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	c.session = s
	return nil
}

// openSessions 创建会话并校验张量名称和形状
func (c *Controller) openSessions(s *modelSession, encoderPath, decoderPath string, opts SessionOptions) error {
	p := s.policy

	encoder, err := c.newSession(encoderPath, opts)
	if err != nil {
		return fmt.Errorf("%w: 创建 Encoder 会话失败: %w", ErrEngineInit, err)
	}
	s.encoder = encoder
	if err := checkNames("Encoder 输入", encoder.Inputs(), p.encoderInputs); err != nil {
		return err
	}
	if err := checkNames("Encoder 输出", encoder.Outputs(), p.encoderOutputs); err != nil {
		return err
	}

	decoder, err := c.newSession(decoderPath, opts)
	if err != nil {
		return fmt.Errorf("%w: 创建 Decoder 会话失败: %w", ErrEngineInit, err)
	}
	s.decoder = decoder
	if err := checkNames("Decoder 输入", decoder.Inputs(), p.decoderInputNames()); err != nil {
		return err
	}
	if err := checkNames("Decoder 输出", decoder.Outputs(), p.decoderOutputs); err != nil {
		return err
	}

	if p.fixedEncoderInput != nil {
		s.encoderInput = p.fixedEncoderInput.Clone()
		s.encoderOutput = p.fixedEncoderOutput.Clone()
	} else {
		in, _ := findInfo(encoder.Inputs(), p.encoderInputs[0])
		out, _ := findInfo(encoder.Outputs(), p.encoderOutputs[0])
		s.encoderInput = in.Shape.Clone()
		s.encoderOutput = out.Shape.Clone()
	}
	if s.encoderInput, err = concreteShape("Encoder 输入", s.encoderInput, 4); err != nil {
		return err
	}
	if s.encoderOutput, err = concreteShape("Encoder 输出", s.encoderOutput, 4); err != nil {
		return err
	}
	if s.encoderInput[1] != 3 {
		return fmt.Errorf("%w: Encoder 输入通道数为 %d, 期望 3", ErrShapeMismatch, s.encoderInput[1])
	}

	if slot, ok := p.slot(roleIntermEmbedding); ok {
		info, _ := findInfo(decoder.Inputs(), slot.name)
		if s.intermShape, err = concreteShape("Decoder "+slot.name, info.Shape, 5); err != nil {
			return err
		}
	}
	return nil
}

// newSession 创建会话, 将引擎 panic 转换为错误
func (c *Controller) newSession(path string, opts SessionOptions) (s Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return c.backend.NewSession(path, opts)
}

// checkNames 校验模型声明的名称与预期一致 (数量和名称)
func checkNames(what string, infos []TensorInfo, want []string) error {
	if len(infos) != len(want) {
		return fmt.Errorf("%w: %s数量为 %d, 期望 %d", ErrShapeMismatch, what, len(infos), len(want))
	}
	for _, name := range want {
		if _, ok := findInfo(infos, name); !ok {
			return fmt.Errorf("%w: %s缺少 %s", ErrShapeMismatch, what, name)
		}
	}
	return nil
}

// concreteShape 校验维数, 动态 batch 维按 1 处理, 其余维度必须为正
func concreteShape(what string, s Shape, rank int) (Shape, error) {
	if len(s) != rank {
		return nil, fmt.Errorf("%w: %s维数为 %d, 期望 %d", ErrShapeMismatch, what, len(s), rank)
	}
	out := s.Clone()
	if out[0] <= 0 {
		out[0] = 1
	}
	for i, d := range out {
		if d <= 0 {
			return nil, fmt.Errorf("%w: %s第 %d 维为动态维度 %d", ErrShapeMismatch, what, i, d)
		}
	}
	return out, nil
}

func modelExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
