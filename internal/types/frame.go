package types

import (
	"image"
	"time"
)

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture worker.
	// It never resets, not even when a file source loops.
	Seq uint64
	// Timestamp is when the frame was read from the source
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels, Width*3 bytes per row
	Data []byte
	// TraceID is a unique identifier for correlating logs and emitted results
	TraceID string
}

// Valid reports whether Data holds exactly Width*Height RGB pixels.
func (f *Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*3
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() Frame {
	c := *f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Image converts the RGB24 payload into a new RGBA image suitable for drawing.
// Returns nil if the frame is not Valid.
func (f *Frame) Image() *image.RGBA {
	if !f.Valid() {
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src := f.Data
	dst := img.Pix
	for i, j := 0, 0; i < len(src); i, j = i+3, j+4 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
		dst[j+3] = 0xff
	}
	return img
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	TraceID   string    `json:"trace_id"`
}

// Meta returns the frame metadata.
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		TraceID:   f.TraceID,
	}
}
