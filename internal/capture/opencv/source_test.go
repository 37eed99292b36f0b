package opencv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
)

func TestNewSourceRejectsMissingFile(t *testing.T) {
	spec := capture.FileSpec(filepath.Join(t.TempDir(), "missing.mp4"), capture.CodecH264, 800, 600)
	if _, err := NewSource(spec); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRewindCameraUnsupported(t *testing.T) {
	src, err := NewSource(capture.CameraSpec(0, 800, 600, 20, false))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if err := src.Rewind(context.Background()); err == nil {
		t.Fatal("expected rewind on camera to fail")
	}
	// Never opened: Close is a no-op, twice
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReadBeforeOpen(t *testing.T) {
	src, err := NewSource(capture.CameraSpec(0, 800, 600, 20, false))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if _, err := src.Read(context.Background()); err == nil {
		t.Fatal("expected read before open to fail")
	}
}
