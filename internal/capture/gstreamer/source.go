// Package gstreamer implements capture.FrameSource on top of GStreamer.
//
// Every source (USB camera, CSI camera, H.264/H.265 file) is decoded into
// packed RGB by a pipeline ending in an appsink. Rewind tears the pipeline
// down and rebuilds it, the same way a lost stream is reconnected.
package gstreamer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
)

const (
	// DefaultOpenTimeout bounds how long Open waits for PLAYING
	DefaultOpenTimeout = 10 * time.Second
	// fileReadTimeout bounds one decode step of a file
	fileReadTimeout = 5 * time.Second
	// minLiveReadTimeout keeps low-fps cameras from flapping
	minLiveReadTimeout = 200 * time.Millisecond
)

// run is the state of one pipeline instance (Open or Rewind to Close).
type run struct {
	elems    *PipelineElements
	width    int
	height   int
	blocking bool

	samples chan capture.Image

	ready     chan struct{}
	readyOnce sync.Once
	eos       chan struct{}

	failed   chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped   uint64
	padLinked atomic.Bool
}

func newRun(elems *PipelineElements, spec capture.Spec) *run {
	return &run{
		elems:    elems,
		width:    spec.Width,
		height:   spec.Height,
		blocking: !spec.Kind.Live(),
		samples:  make(chan capture.Image, 2),
		ready:    make(chan struct{}),
		eos:      make(chan struct{}),
		failed:   make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// setErr records the first pipeline error and closes failed.
func (r *run) setErr(err error) {
	r.failOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		close(r.failed)
	})
}

func (r *run) getErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *run) droppedCount() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// shutdown stops the pipeline and waits for the bus monitor.
func (r *run) shutdown() error {
	r.stopOnce.Do(func() { close(r.stop) })
	err := DestroyPipeline(r.elems)
	r.wg.Wait()
	return err
}

// Source is a GStreamer-backed capture.FrameSource.
type Source struct {
	spec        capture.Spec
	openTimeout time.Duration
	readTimeout time.Duration

	mu     sync.Mutex
	cur    *run
	closed bool
}

// NewSource validates the spec and checks that GStreamer is usable.
// No pipeline is built until Open.
func NewSource(spec capture.Spec) (*Source, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, err
	}

	return &Source{
		spec:        spec,
		openTimeout: DefaultOpenTimeout,
		readTimeout: readTimeoutFor(spec),
	}, nil
}

// readTimeoutFor returns how long Read waits before reporting ErrTransient.
// Cameras get two frame periods, files a fixed decode budget.
func readTimeoutFor(spec capture.Spec) time.Duration {
	if !spec.Kind.Live() || spec.FPS <= 0 {
		return fileReadTimeout
	}
	d := 2 * time.Second / time.Duration(spec.FPS)
	if d < minLiveReadTimeout {
		d = minLiveReadTimeout
	}
	return d
}

// Open builds the pipeline and waits until it is PLAYING.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gstreamer: source closed")
	}
	if s.cur != nil {
		return fmt.Errorf("gstreamer: source already open")
	}
	return s.start(ctx)
}

// start runs one pipeline instance. Caller holds s.mu.
func (s *Source) start(ctx context.Context) error {
	elems, err := CreatePipeline(s.spec)
	if err != nil {
		return err
	}

	r := newRun(elems, s.spec)

	elems.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return OnNewSample(sink, r)
		},
	})

	if elems.Demux != nil {
		elems.Demux.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			OnPadAdded(srcPad, elems.Parser, &r.padLinked)
		})
	}

	if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
		DestroyPipeline(elems)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	r.wg.Add(1)
	go monitorBus(r, s.spec.String())

	select {
	case <-r.ready:
	case <-r.failed:
		r.shutdown()
		return r.getErr()
	case <-time.After(s.openTimeout):
		r.shutdown()
		return fmt.Errorf("pipeline did not reach PLAYING within %s", s.openTimeout)
	case <-ctx.Done():
		r.shutdown()
		return ctx.Err()
	}

	slog.Info("gstreamer: source playing",
		"source", s.spec.String(),
		"read_timeout", s.readTimeout,
	)
	s.cur = r
	return nil
}

// Read returns the next decoded image.
//
// Buffered samples are always delivered before EOS, so the last frames of
// a file are never lost.
func (s *Source) Read(ctx context.Context) (capture.Image, error) {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()

	if r == nil {
		return capture.Image{}, fmt.Errorf("gstreamer: source not open")
	}

	select {
	case img := <-r.samples:
		return img, nil
	default:
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case img := <-r.samples:
		return img, nil
	case <-r.eos:
		select {
		case img := <-r.samples:
			return img, nil
		default:
		}
		return capture.Image{}, io.EOF
	case <-r.failed:
		return capture.Image{}, r.getErr()
	case <-r.stop:
		return capture.Image{}, fmt.Errorf("gstreamer: source closed")
	case <-timer.C:
		return capture.Image{}, fmt.Errorf("%w: no frame within %s", capture.ErrTransient, s.readTimeout)
	case <-ctx.Done():
		return capture.Image{}, ctx.Err()
	}
}

// Rewind restarts a file from the first frame by rebuilding the pipeline.
func (s *Source) Rewind(ctx context.Context) error {
	if s.spec.Kind != capture.KindFile {
		return fmt.Errorf("gstreamer: rewind is only supported for files")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gstreamer: source closed")
	}
	if s.cur != nil {
		if err := s.cur.shutdown(); err != nil {
			slog.Warn("gstreamer: teardown before rewind failed", "error", err)
		}
		s.cur = nil
	}
	return s.start(ctx)
}

// Close stops the pipeline. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cur == nil {
		return nil
	}
	r := s.cur
	s.cur = nil

	if err := r.shutdown(); err != nil {
		return err
	}
	slog.Debug("gstreamer: source closed",
		"source", s.spec.String(),
		"dropped", r.droppedCount(),
	)
	return nil
}
