// Package capturetest provides a scripted FrameSource for tests.
package capturetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
)

// Source is an in-memory FrameSource.
//
// File mode (Frames > 0): Read returns Frames images, then io.EOF; Rewind
// starts over. Camera mode (Frames == 0): Read produces images forever,
// paced by Interval.
//
// Errors scripted in ReadErrors are returned by the n-th Read call (1-based).
type Source struct {
	Width    int
	Height   int
	Frames   int
	Interval time.Duration

	OpenErr    error
	RewindErr  error
	ReadErrors map[int]error

	mu      sync.Mutex
	pos     int
	reads   int
	opens   int
	rewinds int
	closes  int
	opened  bool
}

// Open implements capture.FrameSource.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.opened = true
	return nil
}

// Read implements capture.FrameSource.
func (s *Source) Read(ctx context.Context) (capture.Image, error) {
	if s.Interval > 0 {
		select {
		case <-ctx.Done():
			return capture.Image{}, ctx.Err()
		case <-time.After(s.Interval):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return capture.Image{}, errors.New("capturetest: read on closed source")
	}

	s.reads++
	if err, ok := s.ReadErrors[s.reads]; ok {
		return capture.Image{}, err
	}

	if s.Frames > 0 && s.pos >= s.Frames {
		return capture.Image{}, io.EOF
	}
	s.pos++

	w, h := s.Width, s.Height
	if w == 0 {
		w = 4
	}
	if h == 0 {
		h = 2
	}
	data := make([]byte, w*h*3)
	data[0] = byte(s.pos)
	return capture.Image{Width: w, Height: h, Data: data}, nil
}

// Rewind implements capture.FrameSource.
func (s *Source) Rewind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rewinds++
	if s.RewindErr != nil {
		return s.RewindErr
	}
	s.pos = 0
	return nil
}

// Close implements capture.FrameSource.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closes++
	s.opened = false
	return nil
}

// Counts returns how many times each method was called.
func (s *Source) Counts() (opens, reads, rewinds, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.reads, s.rewinds, s.closes
}
