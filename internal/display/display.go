// Package display routes inference results to output surfaces: a desktop
// window, a web viewer, or any other Renderer.
package display

import (
	"errors"

	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// ErrQuit is returned by a Renderer when the user asked to stop (ESC).
var ErrQuit = errors.New("display: quit requested")

// Renderer consumes one frame and its result. Render is called from the
// pipeline main loop only; it must not block on slow clients.
type Renderer interface {
	Render(frame types.Frame, result types.Result) error
	Close() error
}

// Multi fans out to several renderers.
//
// Every renderer sees every frame. ErrQuit from any of them wins; other
// errors are joined.
type Multi []Renderer

// Render implements Renderer.
func (m Multi) Render(frame types.Frame, result types.Result) error {
	var errs []error
	quit := false
	for _, r := range m {
		err := r.Render(frame, result)
		switch {
		case err == nil:
		case errors.Is(err, ErrQuit):
			quit = true
		default:
			errs = append(errs, err)
		}
	}
	if quit {
		return ErrQuit
	}
	return errors.Join(errs...)
}

// Close closes every renderer and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Renderer that drops everything (headless without outputs).
type Discard struct{}

func (Discard) Render(types.Frame, types.Result) error { return nil }
func (Discard) Close() error                           { return nil }
