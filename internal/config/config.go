package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-pose-capture/internal/capture"
	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = types.ErrInvalidConfig

// Config represents the complete posecap configuration
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Queue     QueueConfig     `yaml:"queue"`
	Inference InferenceConfig `yaml:"inference"`
	Recording RecordingConfig `yaml:"recording"`
	Display   DisplayConfig   `yaml:"display"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

// SourceConfig selects the camera or file and the capture format
type SourceConfig struct {
	Camera  int    `yaml:"camera"` // negative = CSI camera
	File    string `yaml:"file"`   // video file; empty = camera
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
	H265    bool   `yaml:"h265"`
	MJPG    bool   `yaml:"mjpg"`
	Repeat  bool   `yaml:"repeat"`
	Backend string `yaml:"backend"` // gstreamer, opencv
}

// QueueConfig contains capture queue settings
type QueueConfig struct {
	Size   int  `yaml:"size"`
	NoDrop bool `yaml:"nodrop"`
	Info   bool `yaml:"info"` // log queue stats every second
}

// InferenceConfig contains model settings
type InferenceConfig struct {
	Backend   string `yaml:"backend"` // dnn, worker
	Model     string `yaml:"model"`
	Task      string `yaml:"task"`
	WorkerCmd string `yaml:"worker_cmd"`
	CUDA      bool   `yaml:"cuda"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// RecordingConfig contains CSV export settings
type RecordingConfig struct {
	MaxRecords int    `yaml:"csv"` // 0 = disabled
	Path       string `yaml:"csvpath"`
}

// DisplayConfig contains output surface settings
type DisplayConfig struct {
	Headless bool   `yaml:"headless"`
	HTTP     string `yaml:"http"` // web viewer address, empty = off
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string `yaml:"broker"` // empty = off
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Format  string `yaml:"format"` // json, text
	Verbose bool   `yaml:"verbose"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Camera:  0,
			Width:   800,
			Height:  600,
			FPS:     20,
			Backend: "gstreamer",
		},
		Queue: QueueConfig{Size: 2},
		Inference: InferenceConfig{
			Backend:   "dnn",
			Model:     "pose.onnx",
			Task:      "human_pose.json",
			WorkerCmd: "models/run_pose_worker.sh",
			TimeoutMS: 2000,
		},
		Recording: RecordingConfig{Path: "."},
		MQTT:      MQTTConfig{Topic: "posecap"},
		Log:       LogConfig{Format: "json"},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}
	return nil
}

// CaptureSpec builds the capture spec for the configured source.
func (c *Config) CaptureSpec() capture.Spec {
	if c.Source.File != "" {
		codec := capture.CodecH264
		if c.Source.H265 {
			codec = capture.CodecH265
		}
		return capture.FileSpec(c.Source.File, codec, c.Source.Width, c.Source.Height)
	}
	return capture.CameraSpec(c.Source.Camera, c.Source.Width, c.Source.Height, c.Source.FPS, c.Source.MJPG)
}

// QueuePolicy maps nodrop to the queue policy.
func (c *Config) QueuePolicy() framequeue.Policy {
	if c.Queue.NoDrop {
		return framequeue.Block
	}
	return framequeue.DropOldest
}

// WorkerCommand splits the worker command line into program and args.
func (c *Config) WorkerCommand() (string, []string) {
	fields := strings.Fields(c.Inference.WorkerCmd)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
