package capture

import (
	"fmt"
	"os"
)

// Kind identifies the type of frame source
type Kind int

const (
	// KindCamera is a USB/V4L2 camera selected by device index
	KindCamera Kind = iota
	// KindCSI is a MIPI-CSI camera (selected with a negative camera index)
	KindCSI
	// KindFile is a video file decoded frame by frame
	KindFile
)

// String returns a human-readable representation of the kind
func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindCSI:
		return "csi"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Live reports whether the source is a live feed that must never be blocked.
func (k Kind) Live() bool {
	return k == KindCamera || k == KindCSI
}

// Codec is the compressed video format hint for file sources
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// String returns the codec name
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// Spec describes what to open and the capture format hints passed to the source.
type Spec struct {
	// Kind selects camera, CSI camera or file
	Kind Kind
	// Camera is the device index (KindCamera only)
	Camera int
	// Path is the video file path (KindFile only)
	Path string
	// Codec is the file codec hint (KindFile only)
	Codec Codec
	// Width, Height and FPS are capture format hints
	Width  int
	Height int
	FPS    int
	// MJPG requests motion JPEG from the camera (KindCamera only)
	MJPG bool
}

// CameraSpec builds a camera spec; a negative index selects the CSI camera.
func CameraSpec(index, width, height, fps int, mjpg bool) Spec {
	kind := KindCamera
	if index < 0 {
		kind = KindCSI
	}
	return Spec{
		Kind:   kind,
		Camera: index,
		Width:  width,
		Height: height,
		FPS:    fps,
		MJPG:   mjpg,
	}
}

// FileSpec builds a file spec.
func FileSpec(path string, codec Codec, width, height int) Spec {
	return Spec{
		Kind:   KindFile,
		Path:   path,
		Codec:  codec,
		Width:  width,
		Height: height,
	}
}

// Validate checks the spec (fail-fast).
//
// File existence is checked here so a missing file surfaces before any
// pipeline is built.
func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("capture: invalid resolution %dx%d", s.Width, s.Height)
	}

	switch s.Kind {
	case KindCamera, KindCSI:
		if s.FPS <= 0 {
			return fmt.Errorf("capture: invalid fps %d", s.FPS)
		}
	case KindFile:
		if s.Path == "" {
			return fmt.Errorf("capture: file path is required")
		}
		if s.Codec != CodecH264 && s.Codec != CodecH265 {
			return fmt.Errorf("capture: unsupported codec %d", s.Codec)
		}
		info, err := os.Stat(s.Path)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("capture: %s is a directory", s.Path)
		}
	default:
		return fmt.Errorf("capture: unknown source kind %d", s.Kind)
	}
	return nil
}

// String describes the source for logs.
func (s Spec) String() string {
	switch s.Kind {
	case KindFile:
		return fmt.Sprintf("file:%s (%s)", s.Path, s.Codec)
	case KindCSI:
		return fmt.Sprintf("csi %dx%d@%d", s.Width, s.Height, s.FPS)
	default:
		return fmt.Sprintf("camera:%d %dx%d@%d", s.Camera, s.Width, s.Height, s.FPS)
	}
}

// Image is one decoded picture returned by a FrameSource (packed RGB24).
type Image struct {
	Width  int
	Height int
	Data   []byte
}
