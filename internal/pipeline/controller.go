// Package pipeline runs capture, inference, display and recording.
//
// Two goroutines share only the frame queue:
//
//	capture.Worker --Push--> framequeue.Queue --Pop--> Controller.Run
//	                                                   ├─ Inference.Infer
//	                                                   ├─ Renderer.Render
//	                                                   └─ recorder.Session.Record
//
// Inference and rendering are synchronous in the main loop; the capture
// worker never waits for them (unless the queue policy is Block).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
	"github.com/e7canasta/orion-pose-capture/internal/display"
	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
	"github.com/e7canasta/orion-pose-capture/internal/recorder"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

var (
	// ErrSourceFatal wraps a source that failed to open or was lost.
	ErrSourceFatal = errors.New("pipeline: fatal source error")
	// ErrInferenceFailed is returned after too many consecutive inference errors.
	ErrInferenceFailed = errors.New("pipeline: inference failed")
)

// DefaultMaxInferenceFailures bounds back-to-back inference errors.
const DefaultMaxInferenceFailures = 30

// DefaultQueueInfoInterval is the qinfo reporting cadence.
const DefaultQueueInfoInterval = time.Second

// Inference turns a frame into poses. Called from the main loop only.
type Inference interface {
	Infer(frame types.Frame) (types.Result, error)
	Close() error
}

// Recording enables a CSV session.
type Recording struct {
	Dir        string
	MaxRecords int
	Header     []string
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Source    capture.FrameSource
	Spec      capture.Spec
	Queue     *framequeue.Queue
	Worker    capture.Options
	Inference Inference
	Renderer  display.Renderer

	// Recording is nil when CSV export is off
	Recording *Recording

	// QueueInfo logs queue stats every QueueInfoInterval
	QueueInfo         bool
	QueueInfoInterval time.Duration

	// MaxInferenceFailures (0 = default)
	MaxInferenceFailures int

	// Now is the clock for session file names (tests)
	Now func() time.Time
}

// Controller owns one pipeline run.
type Controller struct {
	deps   Deps
	worker *capture.Worker

	started  atomic.Bool
	stopping atomic.Bool

	session   *recorder.Session
	recording atomic.Bool

	teardownOnce sync.Once
	teardownErr  error

	// Statistics (atomic for thread-safety)
	frames      uint64
	discarded   uint64
	poses       uint64
	records     uint64
	inferErrors uint64
	fpsBits     uint64
}

// New creates a controller and its capture worker.
func New(deps Deps) (*Controller, error) {
	if deps.Inference == nil {
		return nil, fmt.Errorf("pipeline: inference is required")
	}
	if deps.Renderer == nil {
		deps.Renderer = display.Discard{}
	}
	if deps.QueueInfoInterval <= 0 {
		deps.QueueInfoInterval = DefaultQueueInfoInterval
	}
	if deps.MaxInferenceFailures <= 0 {
		deps.MaxInferenceFailures = DefaultMaxInferenceFailures
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Recording != nil && deps.Recording.MaxRecords <= 0 {
		return nil, fmt.Errorf("%w: csv max records must be > 0, got %d",
			types.ErrInvalidConfig, deps.Recording.MaxRecords)
	}

	worker, err := capture.NewWorker(deps.Source, deps.Spec, deps.Queue, deps.Worker)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Controller{deps: deps, worker: worker}, nil
}

// Run executes the pipeline until end of stream, ctx cancellation or quit.
//
// Returns nil on a graceful end, an error wrapping ErrSourceFatal if the
// source failed, ErrInvalidConfig if the recording session could not be
// opened, or ErrInferenceFailed. Teardown runs exactly once on every path.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline: already running")
	}

	// The worker stops on ctx or on quit from the display
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	slog.Info("pipeline: starting",
		"source", c.deps.Spec.String(),
		"queue_size", c.deps.Queue.Cap(),
		"queue_policy", c.deps.Queue.Policy().String(),
		"recording", c.deps.Recording != nil,
	)

	if err := c.worker.Start(workerCtx); err != nil {
		c.teardown()
		return fmt.Errorf("%w: %w", ErrSourceFatal, err)
	}

	if rec := c.deps.Recording; rec != nil {
		session, err := recorder.Open(rec.Dir, rec.MaxRecords, rec.Header, c.deps.Now())
		if err != nil {
			// Close unblocks a worker waiting in Push (Block policy)
			stopWorker()
			c.deps.Queue.Close()
			c.teardown()
			return err
		}
		c.session = session
		c.recording.Store(true)
	}

	if c.deps.QueueInfo {
		reportCtx, stopReport := context.WithCancel(ctx)
		defer stopReport()
		go ReportQueue(reportCtx, c.deps.Queue, c.deps.QueueInfoInterval)
	}

	runErr := c.loop(ctx, stopWorker)

	c.teardown()

	if err := c.worker.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFatal, err)
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("pipeline: finished",
		"frames", atomic.LoadUint64(&c.frames),
		"discarded", atomic.LoadUint64(&c.discarded),
		"poses", atomic.LoadUint64(&c.poses),
		"records", atomic.LoadUint64(&c.records),
	)
	return nil
}

// loop consumes the queue until EndOfStream.
//
// After the first stop signal remaining frames are popped without inference
// so the worker can drain and close the queue.
func (c *Controller) loop(ctx context.Context, stopWorker context.CancelFunc) error {
	counter := display.NewIntervalCounter(display.DefaultFPSSamples)
	failures := 0
	var fatal error

	stop := func(reason string) {
		if c.stopping.CompareAndSwap(false, true) {
			slog.Info("pipeline: stopping", "reason", reason)
			stopWorker()
		}
	}

	for {
		if ctx.Err() != nil {
			stop("stop signal")
		}

		frame, err := c.deps.Queue.Pop()
		if errors.Is(err, framequeue.ErrEndOfStream) {
			slog.Debug("pipeline: end of stream")
			return fatal
		}

		if c.stopping.Load() {
			atomic.AddUint64(&c.discarded, 1)
			continue
		}

		result, err := c.deps.Inference.Infer(frame)
		if err != nil {
			failures++
			atomic.AddUint64(&c.inferErrors, 1)
			slog.Warn("pipeline: inference failed",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
				"consecutive", failures,
			)
			if failures >= c.deps.MaxInferenceFailures {
				fatal = fmt.Errorf("%w: %d consecutive failures: %w", ErrInferenceFailed, failures, err)
				stop("inference failed")
				continue
			}
			result = types.EmptyResult(frame)
		} else {
			failures = 0
		}

		atomic.AddUint64(&c.frames, 1)
		atomic.AddUint64(&c.poses, uint64(len(result.Poses)))
		if interval, ok := counter.Measure(); ok {
			atomic.StoreUint64(&c.fpsBits, math.Float64bits(display.FPS(interval)))
		}

		if err := c.deps.Renderer.Render(frame, result); err != nil {
			if errors.Is(err, display.ErrQuit) {
				stop("quit requested")
			} else {
				slog.Warn("pipeline: render failed", "seq", frame.Seq, "error", err)
			}
		}

		c.record(frame, result)
	}
}

// record writes one row per pose while the session is open. A spent budget
// or a write error ends the export, never the pipeline.
func (c *Controller) record(frame types.Frame, result types.Result) {
	if !c.recording.Load() {
		return
	}

	for _, p := range result.Poses {
		err := c.session.Record(recorder.RowFromPose(frame.Timestamp, p))
		if errors.Is(err, recorder.ErrSessionClosed) {
			break
		}
		if err != nil {
			c.stopExport(err)
			break
		}
		atomic.AddUint64(&c.records, 1)
	}

	if c.session.Closed() {
		c.recording.Store(false)
		slog.Info("pipeline: recording finished, processing continues",
			"path", c.session.Path(),
			"records", c.session.Count(),
		)
	}
}

// stopExport closes the session after a write failure. Processing continues.
func (c *Controller) stopExport(writeErr error) {
	attrs := []any{"path", c.session.Path(), "error", writeErr}
	if err := c.session.Close(); err != nil {
		attrs = append(attrs, "close_error", err)
	}
	slog.Error("recorder: write failed, export stopped", attrs...)
}

// teardown waits for the worker and releases every handle exactly once.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		<-c.worker.Done()

		var errs []error
		if c.session != nil {
			c.recording.Store(false)
			if err := c.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close recorder: %w", err))
			}
		}
		if err := c.deps.Inference.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close inference: %w", err))
		}
		if err := c.deps.Renderer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close renderer: %w", err))
		}

		c.teardownErr = errors.Join(errs...)
		if c.teardownErr != nil {
			slog.Warn("pipeline: teardown errors", "error", c.teardownErr)
		}
		slog.Debug("pipeline: teardown complete", "state", c.worker.State().String())
	})
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	State         string              `json:"state"`
	Capture       capture.WorkerStats `json:"capture"`
	Queue         framequeue.Stats    `json:"queue"`
	Frames        uint64              `json:"frames"`
	Discarded     uint64              `json:"discarded"`
	Poses         uint64              `json:"poses"`
	Records       uint64              `json:"records"`
	RecordingOpen bool                `json:"recording_open"`
	InferErrors   uint64              `json:"infer_errors"`
	FPS           float64             `json:"fps"`
}

// Stats returns a snapshot. Safe to call from any goroutine.
func (c *Controller) Stats() Snapshot {
	ws := c.worker.Stats()
	return Snapshot{
		State:         ws.State,
		Capture:       ws,
		Queue:         c.deps.Queue.Stats(),
		Frames:        atomic.LoadUint64(&c.frames),
		Discarded:     atomic.LoadUint64(&c.discarded),
		Poses:         atomic.LoadUint64(&c.poses),
		Records:       atomic.LoadUint64(&c.records),
		RecordingOpen: c.recording.Load(),
		InferErrors:   atomic.LoadUint64(&c.inferErrors),
		FPS:           math.Float64frombits(atomic.LoadUint64(&c.fpsBits)),
	}
}

// Worker exposes the capture worker (state inspection).
func (c *Controller) Worker() *capture.Worker { return c.worker }
