package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
	"github.com/e7canasta/orion-pose-capture/internal/capture/gstreamer"
	"github.com/e7canasta/orion-pose-capture/internal/capture/opencv"
	"github.com/e7canasta/orion-pose-capture/internal/config"
	"github.com/e7canasta/orion-pose-capture/internal/display"
	"github.com/e7canasta/orion-pose-capture/internal/display/web"
	"github.com/e7canasta/orion-pose-capture/internal/display/window"
	"github.com/e7canasta/orion-pose-capture/internal/emitter"
	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
	"github.com/e7canasta/orion-pose-capture/internal/inference/dnn"
	"github.com/e7canasta/orion-pose-capture/internal/inference/worker"
	"github.com/e7canasta/orion-pose-capture/internal/pipeline"
	"github.com/e7canasta/orion-pose-capture/internal/pose"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// OpenCV highgui must stay on one OS thread; the pipeline runs on main.
func init() {
	runtime.LockOSThread()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseArgs(args, os.Stderr)
	switch {
	case errors.Is(err, config.ErrHelp):
		return exitOK
	case errors.Is(err, config.ErrUsage):
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	case err != nil:
		fmt.Fprintln(os.Stderr, "posecap:", err)
		return exitFatal
	}

	setupLogger(cfg.Log)

	slog.Info("starting posecap",
		"source", cfg.CaptureSpec().String(),
		"capture", cfg.Source.Backend,
		"infer", cfg.Inference.Backend,
		"qsize", cfg.Queue.Size,
		"policy", cfg.QueuePolicy().String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := runPipeline(ctx, cfg); err != nil {
		slog.Error("posecap failed", "error", err)
		return exitFatal
	}

	slog.Info("posecap stopped")
	return exitOK
}

func setupLogger(cfg config.LogConfig) {
	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// runPipeline builds every stage, runs the controller and releases the
// stages built before a startup failure.
func runPipeline(ctx context.Context, cfg *config.Config) error {
	task, err := loadTask(cfg.Inference.Task)
	if err != nil {
		return err
	}

	spec := cfg.CaptureSpec()
	source, err := newSource(cfg.Source.Backend, spec)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	queue, err := framequeue.New(cfg.Queue.Size, cfg.QueuePolicy())
	if err != nil {
		return err
	}

	inference, err := newInference(cfg, task)
	if err != nil {
		return err
	}

	var ctrl *pipeline.Controller
	var viewer *web.Server
	renderers := display.Multi{}
	var sinks []display.Sink

	if !cfg.Display.Headless {
		sinks = append(sinks, window.New(window.DefaultTitle))
	}
	if cfg.Display.HTTP != "" {
		viewer = web.New(func() any {
			if ctrl == nil {
				return nil
			}
			return ctrl.Stats()
		})
		sinks = append(sinks, viewer)
	}
	if len(sinks) > 0 {
		renderers = append(renderers, display.NewOverlay(task, sinks...))
	}

	if cfg.MQTT.Broker != "" {
		em := emitter.NewMQTTEmitter(emitter.Options{
			Broker: cfg.MQTT.Broker,
			Topic:  cfg.MQTT.Topic,
			QoS:    cfg.MQTT.QoS,
		})
		// The client keeps retrying; poses are counted as errors until connected
		if err := em.Connect(); err != nil {
			slog.Warn("mqtt unavailable at startup, continuing", "error", err)
		}
		renderers = append(renderers, em)
	}

	var recording *pipeline.Recording
	if cfg.Recording.MaxRecords > 0 {
		recording = &pipeline.Recording{
			Dir:        cfg.Recording.Path,
			MaxRecords: cfg.Recording.MaxRecords,
			Header:     task.CSVHeader(),
		}
	}

	ctrl, err = pipeline.New(pipeline.Deps{
		Source:    source,
		Spec:      spec,
		Queue:     queue,
		Worker:    capture.Options{Repeat: cfg.Source.Repeat},
		Inference: inference,
		Renderer:  renderers,
		Recording: recording,
		QueueInfo: cfg.Queue.Info,
	})
	if err != nil {
		inference.Close()
		renderers.Close()
		source.Close()
		return err
	}

	if viewer != nil {
		if err := viewer.Start(cfg.Display.HTTP); err != nil {
			inference.Close()
			renderers.Close()
			source.Close()
			return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
	}

	return ctrl.Run(ctx)
}

// loadTask reads the task file. A missing default file falls back to the
// built-in human pose task.
func loadTask(path string) (*pose.Task, error) {
	task, err := pose.LoadTask(path)
	if err == nil {
		return task, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.Default().Inference.Task {
		slog.Info("task file not found, using built-in human pose task", "path", path)
		return pose.HumanPose(), nil
	}
	return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
}

func newSource(backend string, spec capture.Spec) (capture.FrameSource, error) {
	switch backend {
	case "opencv":
		return opencv.NewSource(spec)
	default:
		return gstreamer.NewSource(spec)
	}
}

func newInference(cfg *config.Config, task *pose.Task) (pipeline.Inference, error) {
	switch cfg.Inference.Backend {
	case "worker":
		command, args := cfg.WorkerCommand()
		return worker.New(worker.Options{
			Command: command,
			Args:    args,
			Task:    task,
			Timeout: time.Duration(cfg.Inference.TimeoutMS) * time.Millisecond,
		})
	default:
		return dnn.New(dnn.Options{
			Model: cfg.Inference.Model,
			Task:  task,
			CUDA:  cfg.Inference.CUDA,
		})
	}
}
