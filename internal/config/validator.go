package config

import (
	"fmt"
)

// Validate checks the configuration and fills empty names and paths with
// defaults. Numeric sizes are never defaulted here: an explicit zero is
// rejected. Every error wraps ErrInvalidConfig and names the offending field.
func Validate(cfg *Config) error {
	def := Default()

	// Source
	if cfg.Source.Width < 1 || cfg.Source.Height < 1 {
		return fmt.Errorf("%w: source.width/height must be >= 1, got %dx%d",
			ErrInvalidConfig, cfg.Source.Width, cfg.Source.Height)
	}
	if cfg.Source.FPS < 1 {
		return fmt.Errorf("%w: source.fps must be >= 1, got %d", ErrInvalidConfig, cfg.Source.FPS)
	}
	if cfg.Source.Backend == "" {
		cfg.Source.Backend = def.Source.Backend
	}
	if cfg.Source.Backend != "gstreamer" && cfg.Source.Backend != "opencv" {
		return fmt.Errorf("%w: capture backend must be 'gstreamer' or 'opencv', got %q",
			ErrInvalidConfig, cfg.Source.Backend)
	}

	// Queue
	if cfg.Queue.Size < 1 {
		return fmt.Errorf("%w: queue.size must be >= 1, got %d", ErrInvalidConfig, cfg.Queue.Size)
	}

	// Inference
	if cfg.Inference.Backend == "" {
		cfg.Inference.Backend = def.Inference.Backend
	}
	switch cfg.Inference.Backend {
	case "dnn":
		if cfg.Inference.Model == "" {
			cfg.Inference.Model = def.Inference.Model
		}
	case "worker":
		if cfg.Inference.WorkerCmd == "" {
			cfg.Inference.WorkerCmd = def.Inference.WorkerCmd
		}
	default:
		return fmt.Errorf("%w: inference backend must be 'dnn' or 'worker', got %q",
			ErrInvalidConfig, cfg.Inference.Backend)
	}
	if cfg.Inference.Task == "" {
		cfg.Inference.Task = def.Inference.Task
	}
	if cfg.Inference.TimeoutMS == 0 {
		cfg.Inference.TimeoutMS = def.Inference.TimeoutMS
	}
	if cfg.Inference.TimeoutMS < 0 {
		return fmt.Errorf("%w: inference.timeout_ms must be positive, got %d",
			ErrInvalidConfig, cfg.Inference.TimeoutMS)
	}

	// Recording
	if cfg.Recording.MaxRecords < 0 {
		return fmt.Errorf("%w: csv must be >= 0, got %d", ErrInvalidConfig, cfg.Recording.MaxRecords)
	}
	if cfg.Recording.Path == "" {
		cfg.Recording.Path = def.Recording.Path
	}

	// MQTT
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = def.MQTT.Topic
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2, got %d", ErrInvalidConfig, cfg.MQTT.QoS)
	}

	// Log
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: log format must be 'json' or 'text', got %q", ErrInvalidConfig, cfg.Log.Format)
	}

	return nil
}
