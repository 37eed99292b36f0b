package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posecap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := ParseArgs(nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Source.Camera)
	assert.Equal(t, 800, cfg.Source.Width)
	assert.Equal(t, 600, cfg.Source.Height)
	assert.Equal(t, 20, cfg.Source.FPS)
	assert.Equal(t, 2, cfg.Queue.Size)
	assert.Equal(t, "pose.onnx", cfg.Inference.Model)
	assert.Equal(t, "human_pose.json", cfg.Inference.Task)
	assert.Equal(t, "gstreamer", cfg.Source.Backend)
	assert.Equal(t, "dnn", cfg.Inference.Backend)
	assert.Equal(t, ".", cfg.Recording.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, framequeue.DropOldest, cfg.QueuePolicy())

	spec := cfg.CaptureSpec()
	assert.Equal(t, capture.KindCamera, spec.Kind)
}

func TestParseArgsFlags(t *testing.T) {
	cfg, err := ParseArgs([]string{
		"-c", "-1", "--width", "640", "--height", "480", "--fps", "30",
		"--qsize", "4", "--nodrop", "--qinfo", "--csv", "100", "--csvpath", "/tmp",
		"--infer", "worker", "--worker-cmd", "python3 worker.py --fp16",
		"--headless", "--http", ":8080", "--mqtt-broker", "localhost:1883",
		"--log-format", "text", "--verbose",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.Source.Camera)
	assert.Equal(t, capture.KindCSI, cfg.CaptureSpec().Kind)
	assert.Equal(t, 640, cfg.Source.Width)
	assert.Equal(t, 4, cfg.Queue.Size)
	assert.True(t, cfg.Queue.Info)
	assert.Equal(t, framequeue.Block, cfg.QueuePolicy())
	assert.Equal(t, 100, cfg.Recording.MaxRecords)
	assert.Equal(t, "/tmp", cfg.Recording.Path)
	assert.True(t, cfg.Display.Headless)
	assert.Equal(t, ":8080", cfg.Display.HTTP)
	assert.Equal(t, "localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Log.Verbose)

	prog, args := cfg.WorkerCommand()
	assert.Equal(t, "python3", prog)
	assert.Equal(t, []string{"worker.py", "--fp16"}, args)
}

func TestParseArgsSourceFile(t *testing.T) {
	cfg, err := ParseArgs([]string{"--h265", "--repeat", "clip.mp4"}, io.Discard)
	require.NoError(t, err)

	spec := cfg.CaptureSpec()
	assert.Equal(t, capture.KindFile, spec.Kind)
	assert.Equal(t, "clip.mp4", spec.Path)
	assert.Equal(t, capture.CodecH265, spec.Codec)
	assert.True(t, cfg.Source.Repeat)
}

// Contract: the YAML file overrides defaults, explicit flags override the file.
func TestParseArgsPrecedence(t *testing.T) {
	path := writeConfig(t, `
source:
  width: 1280
  height: 720
  fps: 15
queue:
  size: 8
mqtt:
  broker: broker:1883
  topic: lab
`)

	cfg, err := ParseArgs([]string{"--config", path, "--fps", "25"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 1280, cfg.Source.Width, "from file")
	assert.Equal(t, 720, cfg.Source.Height, "from file")
	assert.Equal(t, 25, cfg.Source.FPS, "flag wins")
	assert.Equal(t, 8, cfg.Queue.Size, "from file")
	assert.Equal(t, "lab", cfg.MQTT.Topic)

	// A flag left at its default does not reset the file value
	assert.Equal(t, "broker:1883", cfg.MQTT.Broker)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, "inference:\n  backend: worker\n"))
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.Inference.Backend)
	assert.Equal(t, "models/run_pose_worker.sh", cfg.Inference.WorkerCmd)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeConfig(t, "source: [not, a, map"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative width", func(c *Config) { c.Source.Width = -1 }},
		{"negative fps", func(c *Config) { c.Source.FPS = -5 }},
		{"zero fps", func(c *Config) { c.Source.FPS = 0 }},
		{"zero height", func(c *Config) { c.Source.Height = 0 }},
		{"unknown capture backend", func(c *Config) { c.Source.Backend = "v4l" }},
		{"negative queue", func(c *Config) { c.Queue.Size = -2 }},
		{"zero queue", func(c *Config) { c.Queue.Size = 0 }},
		{"unknown inference backend", func(c *Config) { c.Inference.Backend = "tensorrt" }},
		{"negative csv", func(c *Config) { c.Recording.MaxRecords = -1 }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseArgsUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"unknown flag", []string{"--bogus"}, ErrUsage},
		{"bad int", []string{"--fps", "fast"}, ErrUsage},
		{"two files", []string{"a.mp4", "b.mp4"}, ErrUsage},
		{"help", []string{"-h"}, ErrHelp},
		{"invalid value", []string{"--qsize", "-3"}, ErrInvalidConfig},
		{"zero qsize", []string{"--qsize", "0", "--headless"}, ErrInvalidConfig},
		{"zero fps and width", []string{"--fps", "0", "--width", "0"}, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArgs(tt.args, io.Discard)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseArgs(%v) = %v, want %v", tt.args, err, tt.want)
			}
		})
	}
}
