// Package dnn runs the pose model through OpenCV's DNN module.
//
// The network is an ONNX export of the pose model with two named outputs:
// cmap (part confidence maps) and paf (part affinity fields).
package dnn

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-pose-capture/internal/pose"
	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// DefaultInputSize is the square model input resolution
const DefaultInputSize = 224

// Output layer names of the exported model
const (
	LayerCMap = "cmap"
	LayerPAF  = "paf"
)

// ImageNet normalization applied after scaling to [0,1] (RGB order)
var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

// Options configures an Engine
type Options struct {
	// Model is the ONNX file path
	Model string
	// Task describes keypoints and skeleton
	Task *pose.Task
	// InputSize is the square network input (0 = DefaultInputSize)
	InputSize int
	// CUDA selects the CUDA backend and target
	CUDA bool
	// Params tunes object parsing (zero = pose.DefaultParams)
	Params pose.Params
}

// Engine is a pose inference stage backed by gocv.Net.
type Engine struct {
	opts Options
	topo []pose.Link

	mu  sync.Mutex
	net gocv.Net
}

// New loads the network. Fails fast if the model cannot be read.
func New(opts Options) (*Engine, error) {
	if opts.Task == nil {
		return nil, fmt.Errorf("dnn: task is required")
	}
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.Params == (pose.Params{}) {
		opts.Params = pose.DefaultParams()
	}

	net := gocv.ReadNet(opts.Model, "")
	if net.Empty() {
		return nil, fmt.Errorf("dnn: cannot load model %s", opts.Model)
	}

	if opts.CUDA {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	slog.Info("dnn: model loaded",
		"model", opts.Model,
		"input", opts.InputSize,
		"cuda", opts.CUDA,
		"parts", opts.Task.NumParts(),
		"links", opts.Task.NumLinks(),
	)

	return &Engine{
		opts: opts,
		topo: opts.Task.Topology(),
		net:  net,
	}, nil
}

// Infer runs the model on one frame and returns poses in frame pixels.
func (e *Engine) Infer(frame types.Frame) (types.Result, error) {
	start := time.Now()
	result := types.EmptyResult(frame)

	if !frame.Valid() {
		return result, fmt.Errorf("dnn: invalid frame %dx%d with %d bytes", frame.Width, frame.Height, len(frame.Data))
	}

	cmap, paf, err := e.forward(frame)
	if err != nil {
		return result, err
	}

	objects, err := pose.ParseObjects(cmap, paf, e.topo, e.opts.Params)
	if err != nil {
		return result, fmt.Errorf("dnn: %w", err)
	}

	result.Poses = pose.ToPoses(objects, e.opts.Task, frame.Width, frame.Height)
	result.Latency = time.Since(start)
	return result, nil
}

// forward preprocesses the frame and returns copies of both output maps.
func (e *Engine) forward(frame types.Frame) (pose.Tensor, pose.Tensor, error) {
	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return pose.Tensor{}, pose.Tensor{}, fmt.Errorf("dnn: frame to mat: %w", err)
	}
	defer img.Close()

	size := e.opts.InputSize
	// Frame data is already RGB, no channel swap
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return pose.Tensor{}, pose.Tensor{}, fmt.Errorf("dnn: blob data: %w", err)
	}
	normalize(data, size*size)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.net.SetInput(blob, "")
	outs := e.net.ForwardLayers([]string{LayerCMap, LayerPAF})
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()
	if len(outs) != 2 {
		return pose.Tensor{}, pose.Tensor{}, fmt.Errorf("dnn: expected 2 outputs, got %d", len(outs))
	}

	cmap, err := toTensor(outs[0])
	if err != nil {
		return pose.Tensor{}, pose.Tensor{}, fmt.Errorf("dnn: %s: %w", LayerCMap, err)
	}
	paf, err := toTensor(outs[1])
	if err != nil {
		return pose.Tensor{}, pose.Tensor{}, fmt.Errorf("dnn: %s: %w", LayerPAF, err)
	}
	return cmap, paf, nil
}

// normalize applies the per-channel mean/std in place on a 3-plane blob.
func normalize(data []float32, plane int) {
	for c := 0; c < 3; c++ {
		p := data[c*plane : (c+1)*plane]
		for i := range p {
			p[i] = (p[i] - mean[c]) / std[c]
		}
	}
}

// toTensor copies a 1xCxHxW output blob.
func toTensor(m gocv.Mat) (pose.Tensor, error) {
	dims := m.Size()
	if len(dims) != 4 || dims[0] != 1 {
		return pose.Tensor{}, fmt.Errorf("unexpected output shape %v", dims)
	}

	data, err := m.DataPtrFloat32()
	if err != nil {
		return pose.Tensor{}, err
	}
	return newTensor(dims[1], dims[2], dims[3], data)
}

func newTensor(c, h, w int, data []float32) (pose.Tensor, error) {
	if len(data) != c*h*w {
		return pose.Tensor{}, fmt.Errorf("output has %d values, want %d", len(data), c*h*w)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return pose.Tensor{Channels: c, Height: h, Width: w, Data: out}, nil
}

// Close releases the network.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}
