package dnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	// 3 planes of 2 values
	data := []float32{0.485, 1, 0.456, 0, 0.406, 0.5}
	normalize(data, 2)

	assert.InDelta(t, 0, data[0], 1e-6)
	assert.InDelta(t, (1-0.485)/0.229, data[1], 1e-5)
	assert.InDelta(t, 0, data[2], 1e-6)
	assert.InDelta(t, -0.456/0.224, data[3], 1e-5)
	assert.InDelta(t, 0, data[4], 1e-6)
	assert.InDelta(t, (0.5-0.406)/0.225, data[5], 1e-5)
}

func TestNewTensorCopies(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	tensor, err := newTensor(1, 2, 2, src)
	require.NoError(t, err)

	src[0] = 99
	assert.Equal(t, float32(1), tensor.At(0, 0, 0))
	assert.Equal(t, float32(4), tensor.At(0, 1, 1))

	_, err = newTensor(2, 2, 2, src)
	assert.Error(t, err)
}

func TestNewRequiresTask(t *testing.T) {
	_, err := New(Options{Model: "pose.onnx"})
	assert.Error(t, err)
}
