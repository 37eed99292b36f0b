package capture

import (
	"context"
	"errors"
)

var (
	// ErrSourceOpen wraps failures to open the configured camera or file.
	ErrSourceOpen = errors.New("capture: source open failed")
	// ErrSourceLost is returned when a source becomes irrecoverably unavailable.
	ErrSourceLost = errors.New("capture: source lost")
	// ErrTransient marks a camera read hiccup; the worker skips the iteration.
	ErrTransient = errors.New("capture: transient read error")
)

// FrameSource abstracts a live camera or a decoded video file.
//
// Read error classes:
//   - io.EOF: end of file (file sources only)
//   - ErrTransient: skip this iteration and read again (live sources only;
//     from a file it is irrecoverable)
//   - anything else: irrecoverable, the session ends in StateError
//
// Implementations are driven by a single worker goroutine; only Close may be
// called from another goroutine.
type FrameSource interface {
	// Open acquires the device or file. Failure is fatal (no retry).
	Open(ctx context.Context) error
	// Read blocks until one image is decoded. Bounded by one frame period for
	// cameras; returns ctx.Err() if ctx is cancelled while waiting.
	Read(ctx context.Context) (Image, error)
	// Rewind restarts a file source from its first frame.
	Rewind(ctx context.Context) error
	// Close releases the source. Idempotent.
	Close() error
}
