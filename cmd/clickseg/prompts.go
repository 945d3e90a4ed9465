package main

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/getcharzp/go-clickseg/sam"
)

// parseInts 解析逗号分隔的整数, 个数需为 n
func parseInts(s string, n int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%q 需要 %d 个逗号分隔的整数", s, n)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%q 不是整数: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// parsePoints 解析 x,y 形式的点
func parsePoints(values []string) ([]image.Point, error) {
	var pts []image.Point
	for _, s := range values {
		v, err := parseInts(s, 2)
		if err != nil {
			return nil, err
		}
		pts = append(pts, image.Point{X: v[0], Y: v[1]})
	}
	return pts, nil
}

// parseBoxes 解析 x1,y1,x2,y2 形式的框, 坐标顺序不限
func parseBoxes(values []string) ([]image.Rectangle, error) {
	var boxes []image.Rectangle
	for _, s := range values {
		v, err := parseInts(s, 4)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, image.Rect(v[0], v[1], v[2], v[3]))
	}
	return boxes, nil
}

// scaleSelection 将原图坐标缩放到编码器输入坐标
func scaleSelection(sel sam.Selection, from, to image.Point) sam.Selection {
	scale := func(p image.Point) image.Point {
		return image.Point{X: p.X * to.X / from.X, Y: p.Y * to.Y / from.Y}
	}
	out := sam.Selection{}
	for _, p := range sel.Positive {
		out.Positive = append(out.Positive, scale(p))
	}
	for _, p := range sel.Negative {
		out.Negative = append(out.Negative, scale(p))
	}
	for _, b := range sel.Boxes {
		out.Boxes = append(out.Boxes, image.Rectangle{Min: scale(b.Min), Max: scale(b.Max)})
	}
	return out
}

// toGray 将缩放后的 Mask 重新二值化
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y >= 128 {
				g.Pix[y*g.Stride+x] = 255
			}
		}
	}
	return g
}
