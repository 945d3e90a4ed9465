package sam

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/getcharzp/go-clickseg"
	"github.com/rs/zerolog"
)

// State 控制器当前执行的操作
type State int32

const (
	StateIdle State = iota
	StateLoading
	StatePreprocessing
	StateDecoding
	StateUnloading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePreprocessing:
		return "preprocessing"
	case StateDecoding:
		return "decoding"
	case StateUnloading:
		return "unloading"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Controller 交互式分割控制器.
//
// 所有操作在同一个工作协程中按提交顺序执行, 调用方阻塞直到操作完成.
// Cancel, State 和 Close 可在其他协程中与正在执行的操作并发调用.
type Controller struct {
	backend Backend
	log     zerolog.Logger

	tasks    chan *task
	closeReq chan chan error
	done     chan struct{}
	state    atomic.Int32

	mu          sync.Mutex // 保护 epoch, cancelEpoch, closed
	epoch       context.Context
	cancelEpoch context.CancelFunc
	closed      bool

	// 以下字段只在工作协程中访问
	mode    Variant
	session *modelSession
	emb     *embedding
	history maskHistory
}

// Option 控制器可选参数
type Option func(*Controller)

// WithBackend 指定推理引擎, 默认使用 ONNX Runtime
func WithBackend(b Backend) Option {
	return func(c *Controller) { c.backend = b }
}

// WithLogger 指定日志
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

type task struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	err   error
	done  chan struct{}
	state State
	stop  func() bool
}

// NewController 创建控制器并启动工作协程. 模型需调用 Load 加载.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		log:      clickseg.Logger(),
		tasks:    make(chan *task),
		closeReq: make(chan chan error),
		done:     make(chan struct{}),
		mode:     cfg.Variant,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		c.backend = NewOrtBackend(cfg.OnnxRuntimeLibPath)
	}
	c.log = c.log.With().Str("component", "sam").Logger()
	c.epoch, c.cancelEpoch = context.WithCancel(context.Background())
	go c.loop()
	return c
}

// loop 工作协程
func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case t := <-c.tasks:
			c.execute(t)
		case reply := <-c.closeReq:
			c.state.Store(int32(StateUnloading))
			err := c.release()
			c.state.Store(int32(StateClosed))
			reply <- err
			return
		}
	}
}

func (c *Controller) execute(t *task) {
	defer close(t.done)
	defer t.stop()
	c.state.Store(int32(t.state))
	defer c.state.Store(int32(StateIdle))
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("event=task_panic")
			t.err = fmt.Errorf("%w: %v", ErrEngineRun, r)
		}
	}()
	t.err = t.fn(t.ctx)
}

// newTask 绑定当前取消周期, 在 Cancel 之前创建的任务都会被取消
func (c *Controller) newTask(ctx context.Context, state State, fn func(ctx context.Context) error) (*task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.epoch, cancel)
	return &task{
		ctx:   taskCtx,
		fn:    fn,
		done:  make(chan struct{}),
		state: state,
		stop: func() bool {
			cancel()
			return stop()
		},
	}, nil
}

// await 提交任务并等待完成
func (c *Controller) await(t *task) error {
	select {
	case c.tasks <- t:
	case <-c.done:
		t.stop()
		return ErrClosed
	}
	<-t.done
	return t.err
}

func (c *Controller) do(ctx context.Context, state State, fn func(ctx context.Context) error) error {
	t, err := c.newTask(ctx, state, fn)
	if err != nil {
		return err
	}
	return c.await(t)
}

// Cancel 取消正在执行和已提交但尚未开始的操作. 空闲时无影响.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	cancelRequestsTotal.Inc()
	c.cancelEpoch()
	c.epoch, c.cancelEpoch = context.WithCancel(context.Background())
	c.log.Debug().Str("state", c.State().String()).Msg("event=cancel")
}

// State 返回控制器当前状态
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Close 取消未完成的操作, 等待正在执行的操作结束后释放模型并停止工作协程
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelEpoch()
	c.mu.Unlock()

	reply := make(chan error, 1)
	c.closeReq <- reply
	err := <-reply
	c.log.Debug().Err(err).Msg("event=closed")
	return err
}

// SetMode 切换模型家族, 下次 Load 时生效
func (c *Controller) SetMode(ctx context.Context, v Variant) error {
	if v.policy() == nil {
		return fmt.Errorf("未知的模型类型: %d", int(v))
	}
	return c.do(ctx, StateIdle, func(context.Context) error {
		c.mode = v
		return nil
	})
}

// Mode 返回下次 Load 使用的模型家族
func (c *Controller) Mode(ctx context.Context) (Variant, error) {
	var v Variant
	err := c.do(ctx, StateIdle, func(context.Context) error {
		v = c.mode
		return nil
	})
	return v, err
}

// Load 加载编码器和解码器模型
//
// # Params:
//
//	encoderPath: 编码器模型路径
//	decoderPath: 解码器模型路径
//	numThreads: 线程数, <=0 时由 ONNX Runtime 决定
//	device: cpu 或 cuda:<id>
func (c *Controller) Load(ctx context.Context, encoderPath, decoderPath string, numThreads int, device string) error {
	return c.do(ctx, StateLoading, func(ctx context.Context) error {
		return c.load(ctx, encoderPath, decoderPath, numThreads, device)
	})
}

// Unload 释放模型, 未加载时直接返回
func (c *Controller) Unload(ctx context.Context) error {
	return c.do(ctx, StateUnloading, func(context.Context) error {
		return c.unload()
	})
}

// Preprocess 提取图片特征, 图片尺寸需等于 InputSize
func (c *Controller) Preprocess(ctx context.Context, m *Mat) error {
	return c.do(ctx, StatePreprocessing, func(ctx context.Context) error {
		return c.preprocess(ctx, m)
	})
}

// PreprocessImage 将图片转换为 BGR 矩阵后提取特征
func (c *Controller) PreprocessImage(ctx context.Context, img image.Image) error {
	return c.Preprocess(ctx, MatFromImage(img))
}

// Decode 根据交互提示生成 Mask
//
// # Params:
//
//	sel: 正向点, 负向点和框
//	refineIndex: 作为先验的历史 Mask 下标, <0 表示不使用
//	continueSelection: 为 true 时忽略历史 Mask
//
// 推理失败时返回尺寸正确但内容未定义的 Mask 以及错误.
func (c *Controller) Decode(ctx context.Context, sel Selection, refineIndex int, continueSelection bool) (*image.Gray, error) {
	var mask *image.Gray
	err := c.do(ctx, StateDecoding, func(ctx context.Context) error {
		var err error
		mask, err = c.decode(ctx, sel, refineIndex, continueSelection)
		return err
	})
	return mask, err
}

// InputSize 编码器输入图片尺寸 (宽, 高)
func (c *Controller) InputSize(ctx context.Context) (image.Point, error) {
	var size image.Point
	err := c.do(ctx, StateIdle, func(context.Context) error {
		if c.session == nil {
			return ErrNotReady
		}
		size = c.session.inputSize()
		return nil
	})
	return size, err
}

// ClearHistory 清空历史 Mask
func (c *Controller) ClearHistory(ctx context.Context) error {
	return c.do(ctx, StateIdle, func(context.Context) error {
		c.history.Reset()
		return nil
	})
}

// HistoryLen 历史 Mask 数量
func (c *Controller) HistoryLen(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, StateIdle, func(context.Context) error {
		n = c.history.Len()
		return nil
	})
	return n, err
}

// HistoryEntry 返回历史 Mask 的副本
func (c *Controller) HistoryEntry(ctx context.Context, i int) ([]float32, error) {
	var out []float32
	err := c.do(ctx, StateIdle, func(context.Context) error {
		e, ok := c.history.At(i)
		if !ok {
			return fmt.Errorf("历史 Mask 下标越界: %d", i)
		}
		out = append([]float32(nil), e...)
		return nil
	})
	return out, err
}
