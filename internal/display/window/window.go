// Package window shows frames in a desktop window through OpenCV highgui.
package window

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-pose-capture/internal/display"
)

// DefaultTitle is the window title
const DefaultTitle = "Pose Estimation Demo"

const keyEscape = 27

// Sink is a display.Sink backed by a gocv.Window.
// It must be used from a single goroutine.
type Sink struct {
	win *gocv.Window
	bgr gocv.Mat
}

// New opens the window.
func New(title string) *Sink {
	if title == "" {
		title = DefaultTitle
	}
	return &Sink{
		win: gocv.NewWindow(title),
		bgr: gocv.NewMat(),
	}
}

// Show draws the image and polls the keyboard; ESC returns display.ErrQuit.
func (s *Sink) Show(img *image.RGBA) error {
	b := img.Bounds()
	rgba, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, img.Pix)
	if err != nil {
		return fmt.Errorf("window: convert image: %w", err)
	}
	defer rgba.Close()

	gocv.CvtColor(rgba, &s.bgr, gocv.ColorRGBAToBGR)
	s.win.IMShow(s.bgr)

	if s.win.WaitKey(1) == keyEscape {
		return display.ErrQuit
	}
	return nil
}

// Close destroys the window.
func (s *Sink) Close() error {
	s.bgr.Close()
	return s.win.Close()
}
