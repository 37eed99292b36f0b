package display

import (
	"errors"
	"fmt"
	"image"

	"github.com/e7canasta/orion-pose-capture/internal/display/overlay"
	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// DefaultFPSSamples is how many frame intervals the FPS label averages.
const DefaultFPSSamples = 10

// Sink shows a composed image (window, web viewer).
type Sink interface {
	Show(img *image.RGBA) error
	Close() error
}

// Overlay draws the skeleton and FPS label on each frame and passes the
// image to its sinks.
type Overlay struct {
	links   []pose.Link
	counter *IntervalCounter
	sinks   []Sink
	fps     float64
}

// NewOverlay creates an overlay renderer for the task skeleton.
func NewOverlay(task *pose.Task, sinks ...Sink) *Overlay {
	return &Overlay{
		links:   task.Topology(),
		counter: NewIntervalCounter(DefaultFPSSamples),
		sinks:   sinks,
	}
}

// FPSLabel formats the status line.
func FPSLabel(fps float64) string {
	return fmt.Sprintf("FPS:%.2f   ESC to Quit", fps)
}

// Render implements Renderer.
func (o *Overlay) Render(frame types.Frame, result types.Result) error {
	img := frame.Image()
	if img == nil {
		return fmt.Errorf("display: invalid frame %d", frame.Seq)
	}

	overlay.Skeleton(img, result.Poses, o.links)

	if interval, ok := o.counter.Measure(); ok {
		o.fps = FPS(interval)
		overlay.Text(img, FPSLabel(o.fps), 32, 32, overlay.TextColor)
	}

	var errs []error
	quit := false
	for _, s := range o.sinks {
		err := s.Show(img)
		switch {
		case err == nil:
		case errors.Is(err, ErrQuit):
			quit = true
		default:
			errs = append(errs, err)
		}
	}
	if quit {
		return ErrQuit
	}
	return errors.Join(errs...)
}

// FPS returns the last displayed frame rate (0 until warm).
func (o *Overlay) FPS() float64 { return o.fps }

// Close closes every sink.
func (o *Overlay) Close() error {
	var errs []error
	for _, s := range o.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
