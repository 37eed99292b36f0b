package gstreamer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// monitorBus watches the pipeline bus of one run.
//
// This function:
//  1. Signals ready when the pipeline reaches PLAYING
//  2. Closes eos on end of stream (files)
//  3. Records a classified error and closes failed on a pipeline error
//
// Returns when the run is stopped, on EOS or on error.
func monitorBus(r *run, spec string) {
	defer r.wg.Done()

	bus := r.elems.Pipeline.GetPipelineBus()
	pipelineName := r.elems.Pipeline.GetName()

	for {
		select {
		case <-r.stop:
			slog.Debug("gstreamer: run stopped, bus monitor exiting")
			return
		default:
		}

		// Short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("gstreamer: end of stream received", "source", spec)
			close(r.eos)
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)

			slog.Error("gstreamer: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"source", spec,
				"dropped", r.droppedCount(),
			)
			r.setErr(fmt.Errorf("pipeline error [%s]: %s", category.String(), gerr.Error()))
			return

		case gst.MessageStateChanged:
			if msg.Source() != pipelineName {
				continue
			}
			old, new := msg.ParseStateChanged()
			slog.Debug("gstreamer: pipeline state changed", "from", old, "to", new)

			if new == gst.StatePlaying {
				r.readyOnce.Do(func() { close(r.ready) })
			}
		}
	}
}
