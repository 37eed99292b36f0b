package gstreamer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
)

// PipelineElements holds references to GStreamer pipeline elements
// needed after creation (callbacks, dynamic pads, cleanup)
type PipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	// Demux has dynamic pads (file sources in a container only)
	Demux *gst.Element
	// Parser receives the demuxer's video pad
	Parser *gst.Element
}

// CreatePipeline creates a pipeline for the given source spec.
//
// Pipeline structure:
//
//	camera: v4l2src → capsfilter → [jpegdec] → videoconvert → videoscale → capsfilter(RGB) → appsink
//	csi:    nvarguscamerasrc → capsfilter(NVMM) → nvvidconv → capsfilter(BGRx) → videoconvert → capsfilter(RGB) → appsink
//	file:   filesrc → [demux ⇢] parse → avdec → videoconvert → videoscale → capsfilter(RGB) → appsink
//
// The pipeline is configured but NOT started (state remains NULL).
func CreatePipeline(spec capture.Spec) (*PipelineElements, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false) // No clock sync: deliver as fast as decoded

	if spec.Kind.Live() {
		// Live feeds keep only the newest frame inside GStreamer too
		appsink.SetProperty("max-buffers", 1)
		appsink.SetProperty("drop", true)
	}

	elements := &PipelineElements{Pipeline: pipeline, AppSink: appsink}

	var chain []*gst.Element
	switch spec.Kind {
	case capture.KindCamera:
		chain, err = cameraChain(spec)
	case capture.KindCSI:
		chain, err = csiChain(spec)
	case capture.KindFile:
		chain, err = fileChain(spec, elements)
	default:
		err = fmt.Errorf("unknown source kind %s", spec.Kind)
	}
	if err != nil {
		return nil, err
	}
	chain = append(chain, appsink.Element)

	if err := pipeline.AddMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}

	// Demuxer output is linked later in the pad-added callback
	linkFrom := chain
	if elements.Demux != nil {
		if err := pipeline.Add(elements.Demux); err != nil {
			return nil, fmt.Errorf("failed to add demuxer: %w", err)
		}
		if err := chain[0].Link(elements.Demux); err != nil {
			return nil, fmt.Errorf("failed to link filesrc to demuxer: %w", err)
		}
		linkFrom = chain[1:]
	}

	if err := gst.ElementLinkMany(linkFrom...); err != nil {
		return nil, fmt.Errorf("failed to link %s pipeline elements: %w", spec.Kind, err)
	}

	slog.Debug("gstreamer: pipeline created",
		"source", spec.String(),
		"elements", len(chain),
		"demux", elements.Demux != nil,
	)

	return elements, nil
}

// cameraChain builds the V4L2 USB camera branch.
func cameraChain(spec capture.Spec) ([]*gst.Element, error) {
	src, err := newElement("v4l2src", map[string]interface{}{
		"device": capture.DevicePath(spec.Camera),
	})
	if err != nil {
		return nil, err
	}

	chain := []*gst.Element{src}

	if spec.MJPG {
		caps, err := newCapsFilter(capture.JPEGCaps(spec.Width, spec.Height, spec.FPS))
		if err != nil {
			return nil, err
		}
		dec, err := newElement("jpegdec", nil)
		if err != nil {
			return nil, err
		}
		chain = append(chain, caps, dec)
	} else {
		caps, err := newCapsFilter(capture.RawCaps(spec.Width, spec.Height, spec.FPS))
		if err != nil {
			return nil, err
		}
		chain = append(chain, caps)
	}

	tail, err := rgbTail(spec, true)
	if err != nil {
		return nil, err
	}
	return append(chain, tail...), nil
}

// csiChain builds the Jetson MIPI-CSI branch.
func csiChain(spec capture.Spec) ([]*gst.Element, error) {
	src, err := newElement("nvarguscamerasrc", nil)
	if err != nil {
		return nil, err
	}
	nvmm, err := newCapsFilter(capture.CSICaps(spec.Width, spec.Height, spec.FPS))
	if err != nil {
		return nil, err
	}
	conv, err := newElement("nvvidconv", nil)
	if err != nil {
		return nil, err
	}
	bgrx, err := newCapsFilter(capture.BGRxCaps(spec.Width, spec.Height))
	if err != nil {
		return nil, err
	}

	// nvvidconv already scaled, no videoscale needed
	tail, err := rgbTail(spec, false)
	if err != nil {
		return nil, err
	}
	return append([]*gst.Element{src, nvmm, conv, bgrx}, tail...), nil
}

// fileChain builds the file decode branch and fills Demux/Parser.
func fileChain(spec capture.Spec, elements *PipelineElements) ([]*gst.Element, error) {
	src, err := newElement("filesrc", map[string]interface{}{
		"location": spec.Path,
	})
	if err != nil {
		return nil, err
	}

	parserName, decoderName := codecElements(spec.Codec)
	parser, err := newElement(parserName, nil)
	if err != nil {
		return nil, err
	}
	decoder, err := newElement(decoderName, map[string]interface{}{
		"max-threads": 0, // 0 = auto-detect cores
	})
	if err != nil {
		return nil, err
	}

	if name := demuxerFor(spec.Path); name != "" {
		demux, err := newElement(name, nil)
		if err != nil {
			return nil, err
		}
		elements.Demux = demux
	}
	elements.Parser = parser

	tail, err := rgbTail(spec, true)
	if err != nil {
		return nil, err
	}
	return append([]*gst.Element{src, parser, decoder}, tail...), nil
}

// rgbTail converts to packed RGB at the requested size.
func rgbTail(spec capture.Spec, scale bool) ([]*gst.Element, error) {
	conv, err := newElement("videoconvert", map[string]interface{}{
		"n-threads": 0,
	})
	if err != nil {
		return nil, err
	}
	chain := []*gst.Element{conv}

	if scale {
		scaler, err := newElement("videoscale", nil)
		if err != nil {
			return nil, err
		}
		chain = append(chain, scaler)
	}

	rgb, err := newCapsFilter(capture.RGBCaps(spec.Width, spec.Height))
	if err != nil {
		return nil, err
	}
	return append(chain, rgb), nil
}

// newElement creates an element and applies properties.
func newElement(factory string, props map[string]interface{}) (*gst.Element, error) {
	elem, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", factory, err)
	}
	for k, v := range props {
		if err := elem.SetProperty(k, v); err != nil {
			return nil, fmt.Errorf("failed to set %s.%s: %w", factory, k, err)
		}
	}
	return elem, nil
}

// newCapsFilter creates a capsfilter with fixed caps.
func newCapsFilter(caps string) (*gst.Element, error) {
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	filter.SetProperty("caps", gst.NewCapsFromString(caps))
	return filter, nil
}

// codecElements returns the parser and software decoder for a codec.
func codecElements(c capture.Codec) (parser, decoder string) {
	if c == capture.CodecH265 {
		return "h265parse", "avdec_h265"
	}
	return "h264parse", "avdec_h264"
}

// demuxerFor picks the container demuxer from the file extension.
// Elementary streams (.h264, .h265, ...) need none.
func demuxerFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264", ".h265", ".265", ".hevc":
		return ""
	case ".mkv", ".webm":
		return "matroskademux"
	case ".ts", ".m2ts":
		return "tsdemux"
	default:
		return "qtdemux"
	}
}

// DestroyPipeline sets the pipeline to NULL, releasing all resources.
// Safe to call with nil.
func DestroyPipeline(elements *PipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}

	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// checkGStreamerAvailable verifies GStreamer can create elements (fail-fast).
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)

	return nil
}
