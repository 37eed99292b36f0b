package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory represents the classification of GStreamer errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates camera failures (busy, missing, permissions)
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryFile indicates file access or container failures
	ErrCategoryFile
	// ErrCategoryCodec indicates codec/stream failures (decode errors, format issues)
	ErrCategoryCodec
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFile:
		return "file"
	case ErrCategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError categorizes a bus error message for logs.
// go-gst's GError does not expose Domain(), so classification relies on
// the message and debug strings.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error from its message and debug text.
//
// Priority: device, then file, then codec (most specific first).
func Classify(errMsg, debugStr string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debugStr)

	if containsAny(combined, deviceKeywords) {
		return ErrCategoryDevice
	}
	if containsAny(combined, fileKeywords) {
		return ErrCategoryFile
	}
	if containsAny(combined, codecKeywords) {
		return ErrCategoryCodec
	}
	return ErrCategoryUnknown
}

var deviceKeywords = []string{
	"v4l2",
	"/dev/video",
	"device is busy",
	"device or resource busy",
	"cannot identify device",
	"permission denied",
	"nvargus",
	"argus",
	"camera",
}

var fileKeywords = []string{
	"no such file",
	"could not open file",
	"resource not found",
	"filesrc",
	"demux",
	"not enough data",
	"end of file",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"format",
	"negotiation",
	"not negotiated",
	"caps",
	"h264",
	"h265",
	"jpeg",
	"no decoder",
	"missing plugin",
}

// containsAny reports whether s contains any keyword
func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
