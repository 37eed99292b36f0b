package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// DefaultMaxConsecutiveFailures is how many back-to-back transient read
// errors a camera may produce before the source is declared lost.
const DefaultMaxConsecutiveFailures = 30

// Options configures a Worker
type Options struct {
	// Repeat loops file sources instead of ending at EOF
	Repeat bool
	// MaxConsecutiveFailures bounds transient read errors (0 = default)
	MaxConsecutiveFailures int
}

// WorkerStats is a snapshot of worker counters
type WorkerStats struct {
	State           string `json:"state"`
	Frames          uint64 `json:"frames"`
	LastSeq         uint64 `json:"last_seq"`
	Loops           uint64 `json:"loops"`
	TransientErrors uint64 `json:"transient_errors"`
}

// Worker drives a FrameSource and pushes frames into a Queue.
//
// State machine:
//
//	Idle -> Opening -> Streaming -> Draining -> Closed
//	  any non-terminal state -> Error
//
// Semantics:
//   - Start opens the source synchronously; open failure is fatal, no retry
//   - The stop signal (ctx) is checked at the top of every iteration
//   - Every exit path closes the queue exactly once and releases the source
//   - A fatal error is recorded before the queue is closed, so a consumer that
//     observes EndOfStream can always read Err()
type Worker struct {
	src   FrameSource
	spec  Spec
	queue *framequeue.Queue
	opts  Options

	mu    sync.Mutex
	state State
	err   error

	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	// Statistics (atomic for thread-safety)
	seq       uint64
	frames    uint64
	loops     uint64
	transient uint64
}

// NewWorker creates a worker in StateIdle.
func NewWorker(src FrameSource, spec Spec, queue *framequeue.Queue, opts Options) (*Worker, error) {
	if src == nil {
		return nil, fmt.Errorf("capture: source is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("capture: queue is required")
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}

	return &Worker{
		src:   src,
		spec:  spec,
		queue: queue,
		opts:  opts,
		state: StateIdle,
		done:  make(chan struct{}),
	}, nil
}

// Start opens the source and launches the streaming loop.
//
// Returns an error wrapping ErrSourceOpen if the source cannot be opened; the
// worker is then in StateError, the queue is closed and Done is closed.
// If ctx is already cancelled the worker goes straight to Closed.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("capture: worker already started")
	}

	if err := w.transition(StateOpening); err != nil {
		return err
	}

	if ctx.Err() != nil {
		w.drain("stopped before open")
		return nil
	}

	slog.Info("capture: opening source", "source", w.spec.String())

	if err := w.src.Open(ctx); err != nil {
		if ctx.Err() != nil {
			w.drain("stopped during open")
			return nil
		}
		err = fmt.Errorf("%w: %s: %v", ErrSourceOpen, w.spec.String(), err)
		w.fail(err)
		return err
	}

	if err := w.transition(StateStreaming); err != nil {
		w.fail(err)
		return err
	}

	if w.spec.Kind.Live() && w.queue.Policy() == framequeue.Block {
		slog.Warn("capture: live source with blocking queue, capture may stall behind inference",
			"source", w.spec.String(),
		)
	}

	go w.run(ctx)
	return nil
}

// run is the Streaming loop.
func (w *Worker) run(ctx context.Context) {
	consecutive := 0

	for {
		// Stop signal is observed at the top of every iteration
		if ctx.Err() != nil {
			w.drain("stop signal")
			return
		}

		img, err := w.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.drain("stop signal")
				return
			}

			switch {
			case errors.Is(err, io.EOF) && w.spec.Kind == KindFile:
				if !w.opts.Repeat {
					w.drain("end of file")
					return
				}
				if err := w.src.Rewind(ctx); err != nil {
					if ctx.Err() != nil {
						w.drain("stop signal")
						return
					}
					w.fail(fmt.Errorf("%w: rewind: %v", ErrSourceLost, err))
					return
				}
				loops := atomic.AddUint64(&w.loops, 1)
				slog.Debug("capture: file rewound",
					"loops", loops,
					"last_seq", atomic.LoadUint64(&w.seq),
				)
				continue

			// A file that fails to decode does not recover by reading again
			case errors.Is(err, ErrTransient) && w.spec.Kind.Live():
				consecutive++
				atomic.AddUint64(&w.transient, 1)
				if consecutive > w.opts.MaxConsecutiveFailures {
					w.fail(fmt.Errorf("%w: %d consecutive read failures: %v", ErrSourceLost, consecutive, err))
					return
				}
				slog.Debug("capture: transient read error, skipping",
					"error", err,
					"consecutive", consecutive,
				)
				continue

			default:
				w.fail(fmt.Errorf("%w: %v", ErrSourceLost, err))
				return
			}
		}
		consecutive = 0

		frame := types.Frame{
			Seq:       atomic.AddUint64(&w.seq, 1),
			Timestamp: time.Now(),
			Width:     img.Width,
			Height:    img.Height,
			Data:      img.Data,
			TraceID:   uuid.New().String(),
		}

		if err := w.queue.Push(frame); err != nil {
			// Queue closed underneath us: nobody consumes anymore
			w.drain("queue closed")
			return
		}
		atomic.AddUint64(&w.frames, 1)
	}
}

// drain performs Draining -> Closed: close queue, release source.
func (w *Worker) drain(reason string) {
	if err := w.transition(StateDraining); err != nil {
		slog.Error("capture: cannot drain", "error", err)
	}

	slog.Info("capture: draining",
		"reason", reason,
		"frames", atomic.LoadUint64(&w.frames),
		"last_seq", atomic.LoadUint64(&w.seq),
	)

	w.queue.Close()
	if err := w.src.Close(); err != nil {
		slog.Warn("capture: source close failed", "error", err)
	}

	if err := w.transition(StateClosed); err != nil {
		slog.Error("capture: cannot close", "error", err)
	}
	w.finish()
}

// fail records a fatal error, enters StateError, closes queue and source.
func (w *Worker) fail(err error) {
	w.mu.Lock()
	from := w.state
	if !from.Terminal() {
		w.state = StateError
		w.err = err
	}
	w.mu.Unlock()

	slog.Error("capture: fatal source error",
		"source", w.spec.String(),
		"from", from.String(),
		"error", err,
	)

	w.queue.Close()
	if cerr := w.src.Close(); cerr != nil {
		slog.Warn("capture: source close failed", "error", cerr)
	}
	w.finish()
}

func (w *Worker) finish() {
	w.doneOnce.Do(func() { close(w.done) })
}

// transition applies a guarded state change.
func (w *Worker) transition(to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := checkTransition(w.state, to); err != nil {
		return err
	}

	slog.Debug("capture: state changed", "from", w.state.String(), "to", to.String())
	w.state = to
	return nil
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the fatal error, or nil.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed once the worker reached Closed or Error.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker finished and returns its fatal error, if any.
func (w *Worker) Wait() error {
	<-w.done
	return w.Err()
}

// Stats returns a snapshot of worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		State:           w.State().String(),
		Frames:          atomic.LoadUint64(&w.frames),
		LastSeq:         atomic.LoadUint64(&w.seq),
		Loops:           atomic.LoadUint64(&w.loops),
		TransientErrors: atomic.LoadUint64(&w.transient),
	}
}
