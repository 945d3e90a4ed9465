package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getcharzp/go-clickseg"
	"github.com/getcharzp/go-clickseg/sam"
	"github.com/spf13/cobra"
)

// options 全局参数, 命令行覆盖配置文件
type options struct {
	configPath string
	logLevel   string

	variant string
	encoder string
	decoder string
	ortLib  string
	device  string
	threads int
}

func buildRootCmd() *cobra.Command {
	opts := &options{logLevel: "info"}
	if v := os.Getenv(clickseg.LogLevelEnv); v != "" {
		opts.logLevel = v
	}

	root := &cobra.Command{
		Use:           "clickseg",
		Short:         "Interactive click-to-segment with SAM family ONNX models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file (.yaml/.yml/.json/.toml)")
	pf.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug|info|warn|error|off")
	pf.StringVar(&opts.variant, "variant", "", "Model family: standard|hq|efficient|edge")
	pf.StringVar(&opts.encoder, "encoder", "", "Encoder model path")
	pf.StringVar(&opts.decoder, "decoder", "", "Decoder model path")
	pf.StringVar(&opts.ortLib, "ort-lib", "", "ONNX Runtime shared library path")
	pf.StringVar(&opts.device, "device", "", "Device: cpu|cuda:<id>")
	pf.IntVar(&opts.threads, "threads", 0, "Intra-op threads (0 = runtime default)")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		clickseg.SetLogger(clickseg.Logger().Level(clickseg.ParseLevel(opts.logLevel)))
	}

	root.AddCommand(newSegmentCmd(opts), newInspectCmd(opts), newVariantsCmd())
	return root
}

// config 读取配置文件并应用命令行覆盖
func (o *options) config() (sam.Config, error) {
	cfg := sam.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = sam.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.variant != "" {
		v, err := sam.ParseVariant(o.variant)
		if err != nil {
			return cfg, err
		}
		cfg.Variant = v
	}
	if o.encoder != "" {
		cfg.EncodeModelPath = o.encoder
	}
	if o.decoder != "" {
		cfg.DecodeModelPath = o.decoder
	}
	if o.ortLib != "" {
		cfg.OnnxRuntimeLibPath = o.ortLib
	}
	if o.device != "" {
		cfg.Device = o.device
	}
	if o.threads > 0 {
		cfg.NumThreads = o.threads
	}
	return cfg, nil
}

// open 创建控制器并加载模型, Ctrl+C 时取消正在执行的操作
func (o *options) open(ctx context.Context) (*sam.Controller, sam.Config, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, cfg, err
	}
	ctrl := sam.NewController(cfg)
	go func() {
		<-ctx.Done()
		ctrl.Cancel()
	}()
	if err := ctrl.Load(ctx, cfg.EncodeModelPath, cfg.DecodeModelPath, cfg.NumThreads, cfg.Device); err != nil {
		_ = ctrl.Close()
		return nil, cfg, fmt.Errorf("加载模型失败: %w", err)
	}
	return ctrl, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
