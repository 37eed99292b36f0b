// Package opencv implements capture.FrameSource on OpenCV's VideoCapture.
package opencv

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
)

// Source reads frames through gocv.VideoCapture.
//
// Cameras are opened by device index with the requested format set as
// capture properties; CSI cameras through a GStreamer launch line; files by
// path. Frames are converted from BGR to packed RGB at the requested size.
type Source struct {
	spec capture.Spec

	mu     sync.Mutex
	vc     *gocv.VideoCapture
	bgr    gocv.Mat
	rgb    gocv.Mat
	sized  gocv.Mat
	closed bool
}

// NewSource validates the spec. Nothing is opened until Open.
func NewSource(spec capture.Spec) (*Source, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Source{spec: spec}, nil
}

// Open acquires the device or file.
func (s *Source) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("opencv: source closed")
	}
	if s.vc != nil {
		return fmt.Errorf("opencv: source already open")
	}

	vc, err := s.openCapture()
	if err != nil {
		return err
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("opencv: cannot open %s", s.spec.String())
	}

	if s.spec.Kind == capture.KindCamera {
		if s.spec.MJPG {
			vc.Set(gocv.VideoCaptureFOURCC, vc.ToCodec("MJPG"))
		}
		vc.Set(gocv.VideoCaptureBufferSize, 1)
		vc.Set(gocv.VideoCaptureFrameWidth, float64(s.spec.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(s.spec.Height))
		vc.Set(gocv.VideoCaptureFPS, float64(s.spec.FPS))
	}

	slog.Info("opencv: capture opened",
		"source", s.spec.String(),
		"width", vc.Get(gocv.VideoCaptureFrameWidth),
		"height", vc.Get(gocv.VideoCaptureFrameHeight),
		"fps", vc.Get(gocv.VideoCaptureFPS),
	)

	s.vc = vc
	s.bgr = gocv.NewMat()
	s.rgb = gocv.NewMat()
	s.sized = gocv.NewMat()
	return nil
}

func (s *Source) openCapture() (*gocv.VideoCapture, error) {
	switch s.spec.Kind {
	case capture.KindCSI:
		launch := capture.CSILaunch(s.spec.Width, s.spec.Height, s.spec.FPS)
		return gocv.OpenVideoCaptureWithAPI(launch, gocv.VideoCaptureGstreamer)
	case capture.KindFile:
		return gocv.VideoCaptureFile(s.spec.Path)
	default:
		return gocv.VideoCaptureDevice(s.spec.Camera)
	}
}

// Read decodes one frame.
//
// A failed read is end of file for files and a transient hiccup for cameras.
func (s *Source) Read(ctx context.Context) (capture.Image, error) {
	if err := ctx.Err(); err != nil {
		return capture.Image{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vc == nil {
		return capture.Image{}, fmt.Errorf("opencv: source not open")
	}

	if ok := s.vc.Read(&s.bgr); !ok || s.bgr.Empty() {
		if s.spec.Kind == capture.KindFile {
			return capture.Image{}, io.EOF
		}
		return capture.Image{}, fmt.Errorf("%w: camera returned no frame", capture.ErrTransient)
	}

	gocv.CvtColor(s.bgr, &s.rgb, gocv.ColorBGRToRGB)

	out := s.rgb
	if s.rgb.Cols() != s.spec.Width || s.rgb.Rows() != s.spec.Height {
		gocv.Resize(s.rgb, &s.sized, image.Pt(s.spec.Width, s.spec.Height), 0, 0, gocv.InterpolationLinear)
		out = s.sized
	}

	// ToBytes copies out of the Mat, which is reused on the next Read
	return capture.Image{
		Width:  out.Cols(),
		Height: out.Rows(),
		Data:   out.ToBytes(),
	}, nil
}

// Rewind seeks a file back to its first frame.
func (s *Source) Rewind(ctx context.Context) error {
	if s.spec.Kind != capture.KindFile {
		return fmt.Errorf("opencv: rewind is only supported for files")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vc == nil {
		return fmt.Errorf("opencv: source not open")
	}
	s.vc.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

// Close releases the capture and its buffers. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.vc == nil {
		return nil
	}

	s.bgr.Close()
	s.rgb.Close()
	s.sized.Close()
	err := s.vc.Close()
	s.vc = nil

	slog.Debug("opencv: capture closed", "source", s.spec.String())
	return err
}
