package display

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

type recordingRenderer struct {
	err    error
	frames int
	closed int
}

func (r *recordingRenderer) Render(types.Frame, types.Result) error {
	r.frames++
	return r.err
}

func (r *recordingRenderer) Close() error {
	r.closed++
	return r.err
}

type recordingSink struct {
	err   error
	shown []*image.RGBA
}

func (s *recordingSink) Show(img *image.RGBA) error {
	s.shown = append(s.shown, img)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func frame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Width: 4, Height: 4, Data: make([]byte, 4*4*3)}
}

func TestMultiQuitWins(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingRenderer{err: boom}
	b := &recordingRenderer{err: ErrQuit}
	c := &recordingRenderer{}

	err := Multi{a, b, c}.Render(frame(1), types.Result{})
	assert.ErrorIs(t, err, ErrQuit)

	// Every renderer saw the frame
	assert.Equal(t, 1, a.frames)
	assert.Equal(t, 1, c.frames)
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	bang := errors.New("bang")

	m := Multi{&recordingRenderer{err: boom}, &recordingRenderer{err: bang}}
	err := m.Render(frame(1), types.Result{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, bang)
	assert.NotErrorIs(t, err, ErrQuit)

	assert.NoError(t, Multi{&recordingRenderer{}}.Close())
	assert.Error(t, m.Close())
}

// Contract: no average until more than n intervals were measured.
func TestIntervalCounter(t *testing.T) {
	c := NewIntervalCounter(3)
	now := c.last

	for i := 0; i < 3; i++ {
		now = now.Add(100 * time.Millisecond)
		_, ok := c.MeasureAt(now)
		require.False(t, ok, "warm after %d samples", i+1)
	}

	now = now.Add(400 * time.Millisecond)
	avg, ok := c.MeasureAt(now)
	require.True(t, ok)
	// last three intervals: 100, 100, 400
	assert.Equal(t, 200*time.Millisecond, avg)
	assert.InDelta(t, 5.0, FPS(avg), 1e-9)
}

func TestFPSLabel(t *testing.T) {
	assert.Equal(t, "FPS:19.50   ESC to Quit", FPSLabel(19.5))
	assert.Equal(t, 0.0, FPS(0))
}

func TestOverlayPassesImageToSinks(t *testing.T) {
	quit := &recordingSink{}
	plain := &recordingSink{}
	o := NewOverlay(pose.HumanPose(), plain, quit)

	require.NoError(t, o.Render(frame(1), types.Result{}))
	require.Len(t, plain.shown, 1)
	assert.Equal(t, image.Rect(0, 0, 4, 4), plain.shown[0].Bounds())

	quit.err = ErrQuit
	assert.ErrorIs(t, o.Render(frame(2), types.Result{}), ErrQuit)
	assert.Len(t, plain.shown, 2)

	assert.Error(t, o.Render(types.Frame{Seq: 3}, types.Result{}), "invalid frame")
	assert.NoError(t, o.Close())
}
