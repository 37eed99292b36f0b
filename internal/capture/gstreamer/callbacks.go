package gstreamer

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
)

// OnNewSample is called by GStreamer when a new frame reaches the appsink
//
// This callback:
//  1. Pulls the sample and maps its buffer
//  2. Copies and packs the RGB rows (GStreamer reuses the buffer)
//  3. Hands the image to Read:
//     - blocking (files): waits for the reader, which throttles decoding
//     - live (cameras): never blocks the streaming thread, drops instead
//
// Always returns gst.FlowOK; one bad buffer must not stop the stream.
func OnNewSample(sink *app.Sink, r *run) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstreamer: empty buffer received")
		return gst.FlowOK
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	buffer.Unmap()

	packed := capture.PackRGB(raw, r.width, r.height)
	if packed == nil {
		slog.Warn("gstreamer: buffer smaller than negotiated frame, skipping",
			"size_bytes", len(raw),
			"width", r.width,
			"height", r.height,
		)
		return gst.FlowOK
	}

	img := capture.Image{Width: r.width, Height: r.height, Data: packed}

	if r.blocking {
		select {
		case r.samples <- img:
		case <-r.stop:
		}
		return gst.FlowOK
	}

	select {
	case r.samples <- img:
	default:
		atomic.AddUint64(&r.dropped, 1)
		slog.Debug("gstreamer: reader behind, dropping frame")
	}
	return gst.FlowOK
}

// OnPadAdded links a demuxer's video pad to the parser.
//
// Demuxers create pads once the container header is parsed. Audio and
// subtitle pads are ignored; only the first video pad is linked.
func OnPadAdded(srcPad *gst.Pad, parser *gst.Element, linked *atomic.Bool) {
	name := srcPad.GetName()
	slog.Debug("gstreamer: pad-added signal received", "pad", name)

	if !strings.HasPrefix(name, "video") {
		return
	}
	if !linked.CompareAndSwap(false, true) {
		return
	}

	sinkPad := parser.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstreamer: failed to get sink pad from parser")
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstreamer: failed to link pads",
			"src_pad", name,
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}

	slog.Debug("gstreamer: pads linked successfully",
		"src_pad", name,
		"sink_pad", sinkPad.GetName(),
	)
}
