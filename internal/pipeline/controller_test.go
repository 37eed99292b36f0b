package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
	"github.com/e7canasta/orion-pose-capture/internal/capture/capturetest"
	"github.com/e7canasta/orion-pose-capture/internal/display"
	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/recorder"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// stubInference returns Poses poses per frame and fails on scripted seqs.
type stubInference struct {
	Poses   int
	FailAt  map[uint64]bool
	FailAll bool

	mu     sync.Mutex
	seqs   []uint64
	closes int
}

func (s *stubInference) Infer(frame types.Frame) (types.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs = append(s.seqs, frame.Seq)
	if s.FailAll || s.FailAt[frame.Seq] {
		return types.Result{}, errors.New("model exploded")
	}

	result := types.EmptyResult(frame)
	for id := 0; id < s.Poses; id++ {
		kps := make([]types.Keypoint, len(pose.HumanPose().Keypoints))
		for i := range kps {
			kps[i] = types.Keypoint{X: float64(i), Y: float64(id), Score: 1, Visible: i%2 == 0}
		}
		result.Poses = append(result.Poses, types.Pose{ID: id, Keypoints: kps})
	}
	return result, nil
}

func (s *stubInference) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *stubInference) calls() ([]uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...), s.closes
}

// stubRenderer records results; after QuitAfter frames it calls OnQuit or
// returns ErrQuit.
type stubRenderer struct {
	QuitAfter int
	OnQuit    func()

	mu     sync.Mutex
	seqs   []uint64
	empty  int
	closes int
}

func (r *stubRenderer) Render(frame types.Frame, result types.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seqs = append(r.seqs, frame.Seq)
	if len(result.Poses) == 0 {
		r.empty++
	}
	if r.QuitAfter > 0 && len(r.seqs) == r.QuitAfter {
		if r.OnQuit != nil {
			r.OnQuit()
			return nil
		}
		return display.ErrQuit
	}
	return nil
}

func (r *stubRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func newQueue(t *testing.T, policy framequeue.Policy) *framequeue.Queue {
	t.Helper()
	q, err := framequeue.New(2, policy)
	require.NoError(t, err)
	return q
}

func fileSpec() capture.Spec {
	return capture.FileSpec("clip.mp4", capture.CodecH264, 4, 2)
}

func cameraSpec() capture.Spec {
	return capture.CameraSpec(0, 4, 2, 30, false)
}

func runWithTimeout(t *testing.T, ctx context.Context, c *Controller) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func assertIncreasing(t *testing.T, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seqs not strictly increasing at %d: %v", i, seqs)
		}
	}
}

func readCSV(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "posecap-*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

// Scenario: file source without repeat ends with success exactly once.
func TestRunFileEndOfStream(t *testing.T) {
	src := &capturetest.Source{Frames: 5}
	inf := &stubInference{Poses: 1}
	ren := &stubRenderer{}

	c, err := New(Deps{
		Source:    src,
		Spec:      fileSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Inference: inf,
		Renderer:  ren,
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, context.Background(), c))

	seqs, closes := inf.calls()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, ren.closes)
	assert.Equal(t, capture.StateClosed, c.Worker().State())

	_, _, _, srcCloses := src.Counts()
	assert.Equal(t, 1, srcCloses)

	stats := c.Stats()
	assert.Equal(t, uint64(5), stats.Frames)
	assert.Equal(t, uint64(5), stats.Poses)
	assert.True(t, stats.Queue.Closed)
}

// Scenario: repeat keeps sequence numbers increasing across loops.
func TestRunFileRepeat(t *testing.T) {
	src := &capturetest.Source{Frames: 3}
	inf := &stubInference{}
	ren := &stubRenderer{QuitAfter: 10}

	c, err := New(Deps{
		Source:    src,
		Spec:      fileSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Worker:    capture.Options{Repeat: true},
		Inference: inf,
		Renderer:  ren,
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, context.Background(), c))

	seqs, _ := inf.calls()
	require.Len(t, seqs, 10)
	assertIncreasing(t, seqs)
	assert.Equal(t, uint64(10), seqs[9])

	_, _, rewinds, _ := src.Counts()
	assert.GreaterOrEqual(t, rewinds, 3)
}

// Contract: after quit, queued frames are drained without inference.
func TestRunQuitDrainsWithoutInference(t *testing.T) {
	src := &capturetest.Source{Interval: time.Millisecond}
	inf := &stubInference{}
	ren := &stubRenderer{QuitAfter: 3}

	c, err := New(Deps{
		Source:    src,
		Spec:      cameraSpec(),
		Queue:     newQueue(t, framequeue.DropOldest),
		Inference: inf,
		Renderer:  ren,
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, context.Background(), c))

	seqs, closes := inf.calls()
	assert.Len(t, seqs, 3)
	assert.Equal(t, 1, closes)
	assert.Equal(t, capture.StateClosed, c.Worker().State())
}

func TestRunSourceOpenFailure(t *testing.T) {
	src := &capturetest.Source{OpenErr: errors.New("no such device")}
	inf := &stubInference{}
	ren := &stubRenderer{}

	c, err := New(Deps{
		Source:    src,
		Spec:      cameraSpec(),
		Queue:     newQueue(t, framequeue.DropOldest),
		Inference: inf,
		Renderer:  ren,
	})
	require.NoError(t, err)

	err = runWithTimeout(t, context.Background(), c)
	assert.ErrorIs(t, err, ErrSourceFatal)
	assert.ErrorIs(t, err, capture.ErrSourceOpen)

	_, closes := inf.calls()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, ren.closes)
	assert.Equal(t, capture.StateError, c.Worker().State())
}

func TestRunSourceLost(t *testing.T) {
	src := &capturetest.Source{ReadErrors: map[int]error{4: errors.New("usb unplugged")}}
	inf := &stubInference{}

	c, err := New(Deps{
		Source:    src,
		Spec:      cameraSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Inference: inf,
	})
	require.NoError(t, err)

	err = runWithTimeout(t, context.Background(), c)
	assert.ErrorIs(t, err, ErrSourceFatal)
	assert.ErrorIs(t, err, capture.ErrSourceLost)

	// Frames read before the loss are still processed
	seqs, _ := inf.calls()
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

// Scenario: stop signal mid-stream on a camera; the session is flushed and
// closed exactly once and the run succeeds.
func TestRunStopSignalClosesRecording(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &capturetest.Source{Interval: time.Millisecond}
	inf := &stubInference{Poses: 1}
	ren := &stubRenderer{QuitAfter: 4, OnQuit: cancel}

	c, err := New(Deps{
		Source:    src,
		Spec:      cameraSpec(),
		Queue:     newQueue(t, framequeue.DropOldest),
		Inference: inf,
		Renderer:  ren,
		Recording: &Recording{Dir: dir, MaxRecords: 1000, Header: pose.HumanPose().CSVHeader()},
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, ctx, c))
	assert.Equal(t, capture.StateClosed, c.Worker().State())
	assert.False(t, c.Stats().RecordingOpen)

	records := readCSV(t, dir)
	require.Len(t, records, 1+4, "header + one row per processed pose")
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, "0", records[1][1])
	// Odd keypoints are not visible: empty cells
	assert.Equal(t, "", records[1][4])
}

// Contract: an exhausted recording budget never stops processing.
func TestRunRecordingBudget(t *testing.T) {
	dir := t.TempDir()
	src := &capturetest.Source{Frames: 6}
	inf := &stubInference{Poses: 2}
	ren := &stubRenderer{}

	c, err := New(Deps{
		Source:    src,
		Spec:      fileSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Inference: inf,
		Renderer:  ren,
		Recording: &Recording{Dir: dir, MaxRecords: 5, Header: pose.HumanPose().CSVHeader()},
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, context.Background(), c))

	assert.Len(t, ren.seqs, 6, "display continues after the budget is spent")
	assert.Len(t, readCSV(t, dir), 1+5)

	stats := c.Stats()
	assert.Equal(t, uint64(5), stats.Records)
	assert.False(t, stats.RecordingOpen)
}

// Scenario: a row write fails mid-session.
//
// Contract:
//   - The session is closed and the failure is logged with its path
//   - A clean close adds no close_error attribute
//   - The next record call marks the export as finished
func TestStopExportAfterWriteFailure(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	c, err := New(Deps{
		Source:    &capturetest.Source{Frames: 1},
		Spec:      fileSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Inference: &stubInference{},
	})
	require.NoError(t, err)

	session, err := recorder.Open(t.TempDir(), 10, pose.HumanPose().CSVHeader(), time.Now())
	require.NoError(t, err)
	c.session = session
	c.recording.Store(true)

	c.stopExport(errors.New("disk full"))

	assert.True(t, session.Closed())
	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, "export stopped") {
			line = l
		}
	}
	require.NotEmpty(t, line, "write failure must be logged")
	assert.Contains(t, line, "disk full")
	assert.Contains(t, line, session.Path())
	assert.NotContains(t, line, "close_error")

	frame := types.Frame{Seq: 1, Timestamp: time.Now()}
	result, err := (&stubInference{Poses: 1}).Infer(frame)
	require.NoError(t, err)
	c.record(frame, result)

	assert.False(t, c.Stats().RecordingOpen)
	assert.Zero(t, c.Stats().Records)
}

func TestRunRecordingInvalidDir(t *testing.T) {
	src := &capturetest.Source{Interval: time.Millisecond}
	inf := &stubInference{}

	c, err := New(Deps{
		Source:    src,
		Spec:      cameraSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Inference: inf,
		Recording: &Recording{
			Dir:        filepath.Join(t.TempDir(), "missing"),
			MaxRecords: 10,
			Header:     pose.HumanPose().CSVHeader(),
		},
	})
	require.NoError(t, err)

	err = runWithTimeout(t, context.Background(), c)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, closes := inf.calls()
	assert.Equal(t, 1, closes)
	assert.True(t, c.Worker().State().Terminal())
}

func TestRunInferenceErrors(t *testing.T) {
	t.Run("occasional failure renders empty result", func(t *testing.T) {
		inf := &stubInference{Poses: 1, FailAt: map[uint64]bool{2: true}}
		ren := &stubRenderer{}

		c, err := New(Deps{
			Source:    &capturetest.Source{Frames: 4},
			Spec:      fileSpec(),
			Queue:     newQueue(t, framequeue.Block),
			Inference: inf,
			Renderer:  ren,
		})
		require.NoError(t, err)

		require.NoError(t, runWithTimeout(t, context.Background(), c))
		assert.Len(t, ren.seqs, 4)
		assert.Equal(t, 1, ren.empty)
		assert.Equal(t, uint64(1), c.Stats().InferErrors)
	})

	t.Run("consecutive failures are fatal", func(t *testing.T) {
		inf := &stubInference{FailAll: true}

		c, err := New(Deps{
			Source:               &capturetest.Source{Interval: time.Millisecond},
			Spec:                 cameraSpec(),
			Queue:                newQueue(t, framequeue.DropOldest),
			Inference:            inf,
			MaxInferenceFailures: 3,
		})
		require.NoError(t, err)

		err = runWithTimeout(t, context.Background(), c)
		assert.ErrorIs(t, err, ErrInferenceFailed)

		seqs, _ := inf.calls()
		assert.Len(t, seqs, 3)
	})
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inf := &stubInference{}
	c, err := New(Deps{
		Source:    &capturetest.Source{Interval: time.Millisecond},
		Spec:      cameraSpec(),
		Queue:     newQueue(t, framequeue.DropOldest),
		Inference: inf,
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, ctx, c))
	seqs, closes := inf.calls()
	assert.Empty(t, seqs)
	assert.Equal(t, 1, closes)
}

func TestRunTwice(t *testing.T) {
	c, err := New(Deps{
		Source:    &capturetest.Source{Frames: 1},
		Spec:      fileSpec(),
		Queue:     newQueue(t, framequeue.Block),
		Inference: &stubInference{},
	})
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, context.Background(), c))
	assert.Error(t, c.Run(context.Background()))
}

func TestNewValidation(t *testing.T) {
	q := newQueue(t, framequeue.Block)
	src := &capturetest.Source{}

	tests := []struct {
		name string
		deps Deps
		want error
	}{
		{"no inference", Deps{Source: src, Queue: q}, nil},
		{"no source", Deps{Queue: q, Inference: &stubInference{}}, nil},
		{"zero records", Deps{Source: src, Queue: q, Inference: &stubInference{},
			Recording: &Recording{Dir: t.TempDir()}}, types.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps)
			if err == nil {
				t.Fatalf("New() succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("New() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReportQueueStopsWhenClosed(t *testing.T) {
	q := newQueue(t, framequeue.DropOldest)
	q.Close()

	done := make(chan struct{})
	go func() {
		ReportQueue(context.Background(), q, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("ReportQueue did not return for a closed queue")
	}
}
