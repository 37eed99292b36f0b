// Package overlay draws poses and status text onto RGBA frames.
package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

var (
	// PoseColor is used for keypoints and links
	PoseColor = color.RGBA{G: 255, A: 255}
	// TextColor is used for the status line
	TextColor = color.RGBA{B: 255, A: 255}
)

const (
	keypointRadius = 3
	linkThickness  = 2
)

// Skeleton draws every visible link, then every visible keypoint.
func Skeleton(img *image.RGBA, poses []types.Pose, links []pose.Link) {
	for _, p := range poses {
		for _, l := range links {
			if l.PartA >= len(p.Keypoints) || l.PartB >= len(p.Keypoints) {
				continue
			}
			a, b := p.Keypoints[l.PartA], p.Keypoints[l.PartB]
			if !a.Visible || !b.Visible {
				continue
			}
			Line(img, int(a.X), int(a.Y), int(b.X), int(b.Y), linkThickness, PoseColor)
		}
		for _, kp := range p.Keypoints {
			if kp.Visible {
				Dot(img, int(kp.X), int(kp.Y), keypointRadius, PoseColor)
			}
		}
	}
}

// Line draws a segment with Bresenham's algorithm, thickened by a square brush.
func Line(img *image.RGBA, x0, y0, x1, y1, thickness int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy

	half := thickness / 2
	for {
		for oy := -half; oy <= half; oy++ {
			for ox := -half; ox <= half; ox++ {
				set(img, x0+ox, y0+oy, c)
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// Dot draws a filled circle.
func Dot(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				set(img, cx+x, cy+y, c)
			}
		}
	}
}

// Text draws s with its baseline starting at (x, y).
func Text(img *image.RGBA, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// set writes a pixel, ignoring points outside the image.
func set(img *image.RGBA, x, y int, c color.RGBA) {
	if !(image.Point{X: x, Y: y}.In(img.Rect)) {
		return
	}
	img.SetRGBA(x, y, c)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
