// Package worker runs pose inference in an external model process.
//
// The process reads length-prefixed msgpack requests on stdin and answers
// each with one length-prefixed msgpack reply on stdout. Its stderr is
// forwarded to slog, with [ERROR]/[WARNING] prefixes mapped to levels.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

const (
	// DefaultTimeout bounds one request/reply round trip
	DefaultTimeout = 2 * time.Second
	// stopTimeout is how long Close waits after closing stdin before killing
	stopTimeout = 2 * time.Second
)

// ErrUnavailable is returned once the process exited or lost sync.
var ErrUnavailable = errors.New("worker: model process unavailable")

// Options configures an Engine
type Options struct {
	// Command is the executable (usually a wrapper script activating a venv)
	Command string
	// Args are passed to Command
	Args []string
	// Env is appended to the current environment
	Env []string
	// Task names the keypoints of each reply
	Task *pose.Task
	// Timeout bounds one frame round trip (0 = DefaultTimeout)
	Timeout time.Duration
}

// Stats is a snapshot of engine counters
type Stats struct {
	Requests     uint64  `json:"requests"`
	Failures     uint64  `json:"failures"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Engine is a synchronous inference stage backed by a child process.
type Engine struct {
	opts Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu     sync.Mutex
	broken atomic.Bool

	exited    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closing   atomic.Bool

	requests       uint64
	failures       uint64
	totalLatencyUS uint64
}

// New spawns the model process. Fails fast if it cannot be started.
func New(opts Options) (*Engine, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("worker: command is required")
	}
	if opts.Task == nil {
		return nil, fmt.Errorf("worker: task is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: failed to start %s: %w", opts.Command, err)
	}

	e := &Engine{
		opts:   opts,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		exited: make(chan struct{}),
	}

	slog.Info("worker: model process spawned",
		"command", opts.Command,
		"pid", cmd.Process.Pid,
	)

	e.wg.Add(1)
	go e.logStderr(stderr)

	go e.waitProcess()

	return e, nil
}

// Infer sends one frame and waits for its reply.
//
// A timeout or a framing error leaves the stream out of sync, so the
// engine is marked broken and later calls fail with ErrUnavailable.
func (e *Engine) Infer(frame types.Frame) (types.Result, error) {
	result := types.EmptyResult(frame)

	if e.broken.Load() {
		return result, ErrUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	atomic.AddUint64(&e.requests, 1)

	req := Request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: RequestMeta{
			Seq:       frame.Seq,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
		},
	}

	type outcome struct {
		reply Reply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if err := writeMessage(e.stdin, req); err != nil {
			o.err = err
		} else {
			o.err = readMessage(e.stdout, &o.reply)
		}
		done <- o
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	defer cancel()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		e.markBroken("timeout")
		return result, fmt.Errorf("%w: no reply within %s (seq %d)", ErrUnavailable, e.opts.Timeout, frame.Seq)
	case <-e.exited:
		e.markBroken("process exited")
		return result, ErrUnavailable
	}

	if o.err != nil {
		e.markBroken(o.err.Error())
		return result, fmt.Errorf("%w: %v", ErrUnavailable, o.err)
	}
	if o.reply.Seq != frame.Seq {
		e.markBroken("sequence mismatch")
		return result, fmt.Errorf("%w: reply seq %d for request %d", ErrUnavailable, o.reply.Seq, frame.Seq)
	}
	if o.reply.Error != "" {
		atomic.AddUint64(&e.failures, 1)
		return result, fmt.Errorf("worker: model error: %s", o.reply.Error)
	}

	result.Poses = toPoses(o.reply.Poses, e.opts.Task, frame.Width, frame.Height)
	result.Latency = time.Since(start)
	atomic.AddUint64(&e.totalLatencyUS, uint64(result.Latency.Microseconds()))
	return result, nil
}

func (e *Engine) markBroken(reason string) {
	atomic.AddUint64(&e.failures, 1)
	if e.broken.CompareAndSwap(false, true) {
		slog.Error("worker: model process unusable, inference disabled",
			"reason", reason,
			"pid", e.cmd.Process.Pid,
		)
	}
}

// toPoses converts normalized reply triples to frame-pixel poses.
func toPoses(in []ReplyPose, task *pose.Task, width, height int) []types.Pose {
	poses := make([]types.Pose, 0, len(in))
	for id, rp := range in {
		kps := make([]types.Keypoint, task.NumParts())
		for i := range kps {
			kps[i].Name = task.Keypoints[i]
			if i >= len(rp.Keypoints) || len(rp.Keypoints[i]) < 3 {
				continue
			}
			triple := rp.Keypoints[i]
			if triple[2] <= 0 {
				continue
			}
			kps[i].X = triple[0] * float64(width)
			kps[i].Y = triple[1] * float64(height)
			kps[i].Score = triple[2]
			kps[i].Visible = true
		}
		poses = append(poses, types.Pose{ID: id, Keypoints: kps})
	}
	return poses
}

// logStderr forwards the process stderr to slog
func (e *Engine) logStderr(stderr io.Reader) {
	defer e.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("worker: model process error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("worker: model process warning", "log", line)
		default:
			slog.Debug("worker: model process log", "log", line)
		}
	}
}

// waitProcess reaps the process to prevent zombies
func (e *Engine) waitProcess() {
	err := e.cmd.Wait()
	close(e.exited)

	switch {
	case e.closing.Load():
		slog.Debug("worker: model process exited (shutdown)", "pid", e.cmd.Process.Pid)
	case err != nil:
		slog.Error("worker: model process exited unexpectedly",
			"pid", e.cmd.Process.Pid,
			"error", err,
		)
	default:
		slog.Warn("worker: model process exited", "pid", e.cmd.Process.Pid)
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	requests := atomic.LoadUint64(&e.requests)
	failures := atomic.LoadUint64(&e.failures)

	var avg float64
	if ok := requests - failures; ok > 0 {
		avg = float64(atomic.LoadUint64(&e.totalLatencyUS)) / float64(ok) / 1000
	}
	return Stats{Requests: requests, Failures: failures, AvgLatencyMS: avg}
}

// Close closes stdin so the process can exit, then kills it after stopTimeout.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		e.stdin.Close()

		select {
		case <-e.exited:
		case <-time.After(stopTimeout):
			slog.Warn("worker: stop timeout, force killing model process", "pid", e.cmd.Process.Pid)
			if err := e.cmd.Process.Kill(); err != nil {
				slog.Error("worker: failed to kill model process", "error", err)
			}
			<-e.exited
		}
		e.wg.Wait()

		stats := e.Stats()
		slog.Info("worker: model process stopped",
			"requests", stats.Requests,
			"failures", stats.Failures,
		)
	})
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
