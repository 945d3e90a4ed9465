package main

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/getcharzp/go-clickseg"
	"github.com/getcharzp/go-clickseg/sam"
	"github.com/spf13/cobra"
	"github.com/up-zero/gotool/imageutil"
)

type segmentOptions struct {
	image   string
	points  []string
	negs    []string
	boxes   []string
	out     string
	overlay string
	font    string
	refine  bool
}

func newSegmentCmd(opts *options) *cobra.Command {
	so := &segmentOptions{}
	cmd := &cobra.Command{
		Use:     "segment",
		Short:   "Segment an image from point and box prompts",
		Example: "  clickseg segment --image test.png --point 367,168 --box 300,100,450,350 --out mask.png",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSegment(opts, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.image, "image", "", "Input image")
	f.StringArrayVar(&so.points, "point", nil, "Positive point x,y (repeatable)")
	f.StringArrayVar(&so.negs, "neg", nil, "Negative point x,y (repeatable)")
	f.StringArrayVar(&so.boxes, "box", nil, "Box x1,y1,x2,y2 (repeatable)")
	f.StringVar(&so.out, "out", "mask.png", "Output mask path")
	f.StringVar(&so.overlay, "overlay", "", "Optional overlay output path")
	f.StringVar(&so.font, "font", "", "Font for the overlay caption")
	f.BoolVar(&so.refine, "refine", false, "Run a second pass using the first mask as prior")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func (so *segmentOptions) selection() (sam.Selection, error) {
	var sel sam.Selection
	var err error
	if sel.Positive, err = parsePoints(so.points); err != nil {
		return sel, err
	}
	if sel.Negative, err = parsePoints(so.negs); err != nil {
		return sel, err
	}
	if sel.Boxes, err = parseBoxes(so.boxes); err != nil {
		return sel, err
	}
	return sel, nil
}

func runSegment(opts *options, so *segmentOptions) error {
	sel, err := so.selection()
	if err != nil {
		return err
	}
	img, err := imageutil.Open(so.image)
	if err != nil {
		return fmt.Errorf("打开图片失败: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()
	ctrl, cfg, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	log := clickseg.Logger()

	size, err := ctrl.InputSize(ctx)
	if err != nil {
		return err
	}
	orig := image.Point{X: img.Bounds().Dx(), Y: img.Bounds().Dy()}
	resized := imageutil.Resize(img, size.X, size.Y)
	if err := ctrl.PreprocessImage(ctx, resized); err != nil {
		return fmt.Errorf("提取图片特征失败: %w", err)
	}

	inputSel := scaleSelection(sel, orig, size)
	mask, err := ctrl.Decode(ctx, inputSel, -1, false)
	if err != nil {
		return fmt.Errorf("Mask 解码失败: %w", err)
	}
	if so.refine {
		if mask, err = ctrl.Decode(ctx, inputSel, 0, false); err != nil {
			return fmt.Errorf("Mask 细化失败: %w", err)
		}
	}

	full := toGray(imageutil.Resize(mask, orig.X, orig.Y))
	if err := saveImage(so.out, full, "Mask"); err != nil {
		return err
	}
	log.Info().Str("variant", cfg.Variant.String()).Str("out", so.out).Msg("event=mask_saved")

	if so.overlay == "" {
		return nil
	}
	dst, err := clickseg.DrawOverlay(img, full, color.RGBA{R: 30, G: 144, B: 255, A: 120})
	if err != nil {
		return err
	}
	clickseg.DrawPrompts(dst, sel.Positive, sel.Negative, sel.Boxes)
	if so.font != "" {
		d, err := clickseg.NewTextDrawer(so.font)
		if err != nil {
			return err
		}
		defer d.Close()
		_ = d.SetSize(20)
		d.DrawText(dst, caption(cfg.Variant, sel, so.refine), 10, 30, color.White)
	}
	if err := saveImage(so.overlay, dst, "叠加图"); err != nil {
		return err
	}
	log.Info().Str("out", so.overlay).Msg("event=overlay_saved")
	return nil
}

// saveImage 保存图片, 失败时返回错误
func saveImage(path string, img image.Image, what string) error {
	if err := imageutil.Save(path, img, 100); err != nil {
		return fmt.Errorf("保存%s失败: %w", what, err)
	}
	return nil
}

func caption(v sam.Variant, sel sam.Selection, refined bool) string {
	s := fmt.Sprintf("%s  +%d -%d box:%d", v, len(sel.Positive), len(sel.Negative), len(sel.Boxes))
	if refined {
		s += "  refined"
	}
	return s
}
