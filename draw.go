package clickseg

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawText 绘制文本, (x, y) 为基线起点
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	d1 := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d1.DrawString(text)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}

// DrawOverlay 将 Mask 以半透明颜色叠加到原图
//
// # Params:
//
//	img: 原图
//	mask: 二值 Mask (0/255), 尺寸需与原图一致
//	tint: 叠加颜色, A 为不透明度
func DrawOverlay(img image.Image, mask *image.Gray, tint color.RGBA) (*image.RGBA, error) {
	bounds := img.Bounds()
	if mask == nil || mask.Bounds().Dx() != bounds.Dx() || mask.Bounds().Dy() != bounds.Dy() {
		return nil, fmt.Errorf("Mask 尺寸与原图不一致")
	}
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)

	alpha := uint32(tint.A)
	mb := mask.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			if mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y == 0 {
				continue
			}
			off := dst.PixOffset(x, y)
			p := dst.Pix[off : off+4 : off+4]
			p[0] = blend(p[0], tint.R, alpha)
			p[1] = blend(p[1], tint.G, alpha)
			p[2] = blend(p[2], tint.B, alpha)
		}
	}
	return dst, nil
}

func blend(dst, src uint8, alpha uint32) uint8 {
	return uint8((uint32(dst)*(255-alpha) + uint32(src)*alpha) / 255)
}

// DrawPrompts 绘制交互提示: 正向点为绿色, 负向点为红色, 框为蓝色
func DrawPrompts(dst *image.RGBA, positive, negative []image.Point, boxes []image.Rectangle) {
	for _, box := range boxes {
		imageutil.DrawThickRectOutline(dst, box, color.RGBA{B: 255, A: 255}, 3)
	}
	for _, p := range positive {
		imageutil.DrawFilledCircle(dst, p, 6, color.RGBA{G: 255, A: 255})
	}
	for _, p := range negative {
		imageutil.DrawFilledCircle(dst, p, 6, color.RGBA{R: 255, A: 255})
	}
}
