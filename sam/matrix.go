package sam

import (
	"image"
)

// Mat 像素矩阵, 通道交错存储, 3 通道时为 BGR 顺序
type Mat struct {
	Width, Height int
	Channels      int
	Pix           []uint8
}

// NewMat 创建全零矩阵
func NewMat(width, height, channels int) *Mat {
	return &Mat{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// At 返回 (x, y) 处第 c 个通道的值
func (m *Mat) At(x, y, c int) uint8 {
	return m.Pix[(y*m.Width+x)*m.Channels+c]
}

// Size 矩阵尺寸
func (m *Mat) Size() image.Point {
	return image.Point{X: m.Width, Y: m.Height}
}

// MatFromImage 将图片转换为 BGR 矩阵
func MatFromImage(img image.Image) *Mat {
	bounds := img.Bounds()
	m := NewMat(bounds.Dx(), bounds.Dy(), 3)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			// RGBA returns 0-65535
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			off := (y*m.Width + x) * 3
			m.Pix[off+0] = uint8(b >> 8)
			m.Pix[off+1] = uint8(g >> 8)
			m.Pix[off+2] = uint8(r >> 8)
		}
	}
	return m
}
