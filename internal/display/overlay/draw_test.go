package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

func countColor(img *image.RGBA, c color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				n++
			}
		}
	}
	return n
}

func TestLineEndpoints(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	Line(img, 2, 3, 15, 10, 1, PoseColor)

	if img.RGBAAt(2, 3) != PoseColor || img.RGBAAt(15, 10) != PoseColor {
		t.Fatal("line endpoints not drawn")
	}
}

func TestDrawingClipsToBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))

	// Must not panic
	Line(img, -5, -5, 50, 50, 3, PoseColor)
	Dot(img, 0, 0, 5, PoseColor)
	Dot(img, 100, 100, 3, PoseColor)

	if img.RGBAAt(0, 0) != PoseColor {
		t.Error("expected origin drawn")
	}
}

func TestSkeletonSkipsInvisible(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	links := []pose.Link{{PafY: 0, PafX: 1, PartA: 0, PartB: 1}}

	hidden := []types.Pose{{Keypoints: []types.Keypoint{
		{X: 10, Y: 10, Visible: true},
		{X: 40, Y: 40},
	}}}
	Skeleton(img, hidden, links)

	// Only the visible keypoint dot: radius 3 disc has 29 pixels
	if got := countColor(img, PoseColor); got != 29 {
		t.Fatalf("drawn pixels = %d, want 29", got)
	}

	visible := []types.Pose{{Keypoints: []types.Keypoint{
		{X: 10, Y: 10, Visible: true},
		{X: 40, Y: 40, Visible: true},
	}}}
	Skeleton(img, visible, links)

	if img.RGBAAt(25, 25) != PoseColor {
		t.Error("link midpoint not drawn")
	}
}

func TestText(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 50))
	Text(img, "FPS:20.00", 32, 32, TextColor)

	if countColor(img, TextColor) == 0 {
		t.Fatal("no text pixels drawn")
	}
}
