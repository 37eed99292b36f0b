package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ErrUsage wraps command line parse errors (exit code 2).
var ErrUsage = errors.New("config: usage error")

// ErrHelp is returned when -h or --help was requested.
var ErrHelp = flag.ErrHelp

// ParseArgs builds the configuration from command line arguments.
//
// Precedence: defaults, then the --config YAML file, then the flags that
// were explicitly set. An optional positional argument selects a video file.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	def := Default()
	fs := flag.NewFlagSet("posecap", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: posecap [flags] [SRC_FILE]\n\n")
		fs.PrintDefaults()
	}

	var (
		configPath = fs.String("config", "", "YAML configuration file")
		camera     = fs.Int("camera", def.Source.Camera, "camera index, negative selects the CSI camera")
		width      = fs.Int("width", def.Source.Width, "capture width")
		height     = fs.Int("height", def.Source.Height, "capture height")
		fps        = fs.Int("fps", def.Source.FPS, "capture frame rate")
		qsize      = fs.Int("qsize", def.Queue.Size, "capture queue size")
		qinfo      = fs.Bool("qinfo", false, "log queue statistics every second")
		nodrop     = fs.Bool("nodrop", false, "block capture instead of dropping the oldest frame")
		repeat     = fs.Bool("repeat", false, "loop the video file")
		h265       = fs.Bool("h265", false, "video file is H.265")
		mjpg       = fs.Bool("mjpg", false, "request MJPG from the camera")
		model      = fs.String("model", def.Inference.Model, "pose model file")
		task       = fs.String("task", def.Inference.Task, "task description (keypoints and skeleton)")
		csv        = fs.Int("csv", 0, "record up to N pose rows to CSV (0 = off)")
		csvPath    = fs.String("csvpath", def.Recording.Path, "CSV output directory")
		verbose    = fs.Bool("verbose", false, "debug logging")
		capBackend = fs.String("capture", def.Source.Backend, "capture backend: gstreamer or opencv")
		infBackend = fs.String("infer", def.Inference.Backend, "inference backend: dnn or worker")
		workerCmd  = fs.String("worker-cmd", def.Inference.WorkerCmd, "model worker command line")
		cuda       = fs.Bool("cuda", false, "use the CUDA backend for dnn inference")
		headless   = fs.Bool("headless", false, "do not open a window")
		httpAddr   = fs.String("http", "", "web viewer address (e.g. :8080)")
		broker     = fs.String("mqtt-broker", "", "MQTT broker host:port (empty = off)")
		topic      = fs.String("mqtt-topic", def.MQTT.Topic, "MQTT topic prefix")
		logFormat  = fs.String("log-format", def.Log.Format, "log format: json or text")
	)
	fs.IntVar(camera, "c", def.Source.Camera, "shorthand for -camera")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("%w: at most one SRC_FILE, got %d", ErrUsage, fs.NArg())
	}

	cfg := Default()
	if *configPath != "" {
		if err := loadInto(*configPath, cfg); err != nil {
			return nil, err
		}
	}

	apply := map[string]func(){
		"camera":      func() { cfg.Source.Camera = *camera },
		"c":           func() { cfg.Source.Camera = *camera },
		"width":       func() { cfg.Source.Width = *width },
		"height":      func() { cfg.Source.Height = *height },
		"fps":         func() { cfg.Source.FPS = *fps },
		"qsize":       func() { cfg.Queue.Size = *qsize },
		"qinfo":       func() { cfg.Queue.Info = *qinfo },
		"nodrop":      func() { cfg.Queue.NoDrop = *nodrop },
		"repeat":      func() { cfg.Source.Repeat = *repeat },
		"h265":        func() { cfg.Source.H265 = *h265 },
		"mjpg":        func() { cfg.Source.MJPG = *mjpg },
		"model":       func() { cfg.Inference.Model = *model },
		"task":        func() { cfg.Inference.Task = *task },
		"csv":         func() { cfg.Recording.MaxRecords = *csv },
		"csvpath":     func() { cfg.Recording.Path = *csvPath },
		"verbose":     func() { cfg.Log.Verbose = *verbose },
		"capture":     func() { cfg.Source.Backend = *capBackend },
		"infer":       func() { cfg.Inference.Backend = *infBackend },
		"worker-cmd":  func() { cfg.Inference.WorkerCmd = *workerCmd },
		"cuda":        func() { cfg.Inference.CUDA = *cuda },
		"headless":    func() { cfg.Display.Headless = *headless },
		"http":        func() { cfg.Display.HTTP = *httpAddr },
		"mqtt-broker": func() { cfg.MQTT.Broker = *broker },
		"mqtt-topic":  func() { cfg.MQTT.Topic = *topic },
		"log-format":  func() { cfg.Log.Format = *logFormat },
	}
	fs.Visit(func(f *flag.Flag) {
		if set, ok := apply[f.Name]; ok {
			set()
		}
	})

	if fs.NArg() == 1 {
		cfg.Source.File = fs.Arg(0)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
